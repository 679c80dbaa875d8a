package cli

var (
	CollectFiles = collectFiles
	IngestFiles  = ingestFiles
	ChatLoop     = chatLoop
	SendMessage  = sendMessage
	IndexConfig  = indexConfig
)
