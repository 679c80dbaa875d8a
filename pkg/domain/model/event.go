package model

import "time"

// Event is a calendar event as seen by the calendar tools
type Event struct {
	ID              string    `json:"id,omitempty"`
	Title           string    `json:"title"`
	Description     string    `json:"description,omitempty"`
	Location        string    `json:"location,omitempty"`
	Start           time.Time `json:"start"`
	End             time.Time `json:"end"`
	Attendees       []string  `json:"attendees,omitempty"`
	ReminderMinutes int       `json:"reminder_minutes,omitempty"`
	HTMLLink        string    `json:"html_link,omitempty"`
}

// TimeRange is a half-open interval [Start, End)
type TimeRange struct {
	Start time.Time
	End   time.Time
}
