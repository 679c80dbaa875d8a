package calendar

var (
	ToModel        = toModel
	FromModel      = fromModel
	ParseEventTime = parseEventTime
)
