package errors

// ErrorTemplate defines a registered error type.
type ErrorTemplate struct {
	Category Category
	Message  string
}

// registry maps error codes to their templates.
var registry = map[string]ErrorTemplate{
	"R001": {
		Category: CategoryDecode,
		Message:  "Message is not a JSON object",
	},
	"R002": {
		Category: CategoryValidation,
		Message:  "Message violates the wire schema",
	},
	"R003": {
		Category: CategoryAuth,
		Message:  "Authentication failed",
	},
	"R004": {
		Category: CategoryUnknownSession,
		Message:  "Session is not resident",
	},
	"R005": {
		Category: CategoryRepository,
		Message:  "Session repository unavailable",
	},
	"R006": {
		Category: CategoryConfig,
		Message:  "Invalid configuration",
	},
}

// Codes for the registered templates.
const (
	CodeDecode         = "R001"
	CodeValidation     = "R002"
	CodeAuth           = "R003"
	CodeUnknownSession = "R004"
	CodeRepository     = "R005"
	CodeConfig         = "R006"
)
