package apperr

import "fmt"

// UserMessage returns a fixed message safe to show to the submitter.
// Provider response text never reaches this function's output.
func UserMessage(err error) string {
	appErr, ok := As(err)
	if !ok {
		return "An unexpected error occurred. Please try again later."
	}
	label := appErr.Label
	if label == "" {
		label = appErr.Field
	}
	switch appErr.Kind {
	case RequiredField:
		return fmt.Sprintf("%s is required.", label)
	case InvalidEmail:
		return fmt.Sprintf("%s must be a valid email address.", label)
	case InvalidURL:
		return fmt.Sprintf("%s must be a valid URL.", label)
	case InvalidNumber:
		return fmt.Sprintf("%s must be a number.", label)
	case InvalidDate:
		return fmt.Sprintf("%s must be a valid date (YYYY-MM-DD).", label)
	case InvalidLength:
		return fmt.Sprintf("%s has an invalid length.", label)
	case OutOfRange:
		return fmt.Sprintf("%s is out of the allowed range.", label)
	case PatternMismatch:
		return fmt.Sprintf("%s has an invalid format.", label)
	case CustomRule:
		if appErr.Message != "" {
			return appErr.Message
		}
		return fmt.Sprintf("%s is invalid.", label)
	case CaptchaFailed:
		return "CAPTCHA verification failed. Please try again."
	case CaptchaUnavailable:
		return "CAPTCHA verification is currently unavailable. Please try again later."
	case RateLimited:
		return "Too many submissions. Please try again later."
	case SchemaMissing:
		return "The service is not ready to accept submissions."
	case UploadRejected:
		if label != "" {
			return fmt.Sprintf("The file uploaded for %s was rejected.", label)
		}
		return "An uploaded file was rejected."
	case InvalidSubmission:
		return "Invalid submission."
	case Expired:
		return "The form has expired. Please reload the page and try again."
	case SecurityCheck:
		return "Security check failed. Please reload the page and try again."
	case FormNotFound:
		return "Form not found."
	case TransportError, ProviderUnavailable:
		return "The service is temporarily unavailable. Please try again later."
	case ProviderRejected:
		return "The request could not be processed."
	default:
		return "An unexpected error occurred. Please try again later."
	}
}
