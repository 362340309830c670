package kestrel

// SMTPCode represents SMTP reply codes (RFC 5321, RFC 4954).
// 2yz: Success, 3yz: Continue, 4yz: Transient failure, 5yz: Permanent failure.
type SMTPCode int

const (
	// 2xx - Success
	CodeSystemStatus            SMTPCode = 211
	CodeHelpMessage             SMTPCode = 214
	CodeServiceReady            SMTPCode = 220
	CodeServiceClosing          SMTPCode = 221
	CodeAuthSuccess             SMTPCode = 235
	CodeOK                      SMTPCode = 250
	CodeUserNotLocalWillForward SMTPCode = 251
	CodeCannotVRFY              SMTPCode = 252

	// 3xx - Intermediate
	CodeAuthContinue   SMTPCode = 334
	CodeStartMailInput SMTPCode = 354

	// 4xx - Transient Failure
	CodeServiceUnavailable  SMTPCode = 421
	CodePasswordTransition  SMTPCode = 432
	CodeMailboxUnavailable  SMTPCode = 450
	CodeLocalError          SMTPCode = 451
	CodeInsufficientStorage SMTPCode = 452
	CodeTempAuthFailure     SMTPCode = 454
	CodeUnableToAccommodate SMTPCode = 455

	// 5xx - Permanent Failure
	CodeCommandUnrecognized    SMTPCode = 500
	CodeSyntaxError            SMTPCode = 501
	CodeCommandNotImplemented  SMTPCode = 502
	CodeBadSequence            SMTPCode = 503
	CodeParameterNotImpl       SMTPCode = 504
	CodeAuthRequired           SMTPCode = 530
	CodeAuthMechanismTooWeak   SMTPCode = 534
	CodeAuthCredentialsInvalid SMTPCode = 535
	CodeEncryptionRequired     SMTPCode = 538
	CodeMailboxNotFound        SMTPCode = 550
	CodeUserNotLocalTryForward SMTPCode = 551
	CodeExceededStorage        SMTPCode = 552
	CodeMailboxNameInvalid     SMTPCode = 553
	CodeTransactionFailed      SMTPCode = 554
	CodeParamsNotRecognized    SMTPCode = 555
)

var codeDescriptions = map[SMTPCode]string{
	CodeSystemStatus:            "System status, or system help reply",
	CodeHelpMessage:             "Help message",
	CodeServiceReady:            "Service ready",
	CodeServiceClosing:          "Service closing transmission channel",
	CodeAuthSuccess:             "Authentication successful",
	CodeOK:                      "Requested mail action okay, completed",
	CodeUserNotLocalWillForward: "User not local; will forward to <forward-path>",
	CodeCannotVRFY:              "Cannot VRFY user, but will accept message and attempt delivery",
	CodeAuthContinue:            "Authentication challenge",
	CodeStartMailInput:          "Start mail input; end with <CRLF>.<CRLF>",
	CodeServiceUnavailable:      "<domain> Service not available, closing transmission channel",
	CodePasswordTransition:      "A password transition is needed",
	CodeMailboxUnavailable:      "Requested mail action not taken: mailbox unavailable",
	CodeLocalError:              "Requested action aborted: error in processing",
	CodeInsufficientStorage:     "Requested action not taken: insufficient system storage",
	CodeTempAuthFailure:         "Temporary authentication failure",
	CodeUnableToAccommodate:     "Server unable to accommodate parameters",
	CodeCommandUnrecognized:     "Syntax error, command unrecognized",
	CodeSyntaxError:             "Syntax error in parameters or arguments",
	CodeCommandNotImplemented:   "Command not implemented",
	CodeBadSequence:             "Bad sequence of commands",
	CodeParameterNotImpl:        "Command parameter not implemented",
	CodeAuthRequired:            "Authentication required",
	CodeAuthMechanismTooWeak:    "Authentication mechanism is too weak",
	CodeAuthCredentialsInvalid:  "Authentication credentials invalid",
	CodeEncryptionRequired:      "Encryption required for requested authentication mechanism",
	CodeMailboxNotFound:         "Requested action not taken: mailbox unavailable",
	CodeUserNotLocalTryForward:  "User not local; please try <forward-path>",
	CodeExceededStorage:         "Requested mail action aborted: exceeded storage allocation",
	CodeMailboxNameInvalid:      "Requested action not taken: mailbox name not allowed",
	CodeTransactionFailed:       "Transaction failed",
	CodeParamsNotRecognized:     "Parameters not recognized or not implemented",
}

// Description returns the standard meaning of the code, or "Unknown".
func (c SMTPCode) Description() string {
	if d, ok := codeDescriptions[c]; ok {
		return d
	}
	return "Unknown"
}

// IsSuccess returns true for 2xx codes.
func (c SMTPCode) IsSuccess() bool {
	return c >= 200 && c < 300
}

// IsIntermediate returns true for 3xx codes.
func (c SMTPCode) IsIntermediate() bool {
	return c >= 300 && c < 400
}

// IsError returns true for 4xx or 5xx codes.
func (c SMTPCode) IsError() bool {
	return c >= 400 && c < 600
}
