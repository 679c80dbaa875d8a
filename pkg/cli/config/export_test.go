package config

// NewGeminiForTest creates a Gemini config for testing purposes
func NewGeminiForTest(projectID, location string) *Gemini {
	return &Gemini{
		projectID: projectID,
		location:  location,
	}
}

// NewRepositoryForTest creates a Repository config for testing purposes
func NewRepositoryForTest(backend, boltPath, projectID string) *Repository {
	return &Repository{
		backend:   backend,
		boltPath:  boltPath,
		projectID: projectID,
	}
}

// NewStorageForTest creates a Storage config for testing purposes
func NewStorageForTest(dir, bucket string) *Storage {
	return &Storage{dir: dir, bucket: bucket}
}

// NewCalendarForTest creates a Calendar config for testing purposes
func NewCalendarForTest(backend, token string) *Calendar {
	return &Calendar{backend: backend, accessToken: SecretString(token), calendarID: "primary"}
}

// NewSentryForTest creates a Sentry config for testing purposes
func NewSentryForTest(dsn string) *Sentry {
	return &Sentry{dsn: SecretString(dsn)}
}

// NewLoggerForTest creates a Logger config for testing purposes
func NewLoggerForTest(level, format, output string) *Logger {
	return &Logger{level: level, format: format, output: output}
}
