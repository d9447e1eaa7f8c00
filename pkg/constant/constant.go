package constant

// MB is a mebibyte in bytes.
const MB = 1 << 20

// Default template coordinates used when a submission omits them.
const (
	DefaultIndustry     = "generic"
	DefaultDataCategory = "auto"
)

// HeaderTaskID identifies the task of a submission response or a callback.
const HeaderTaskID = "X-Task-ID"
