package notify

// Notifier delivers account verification codes to users.
type Notifier interface {
	// SendVerificationCode sends the 6-digit code to the given address.
	//
	// Parameters:
	//   toEmail: recipient address
	//   fullName: recipient display name used in the mail body
	//   code: the verification code
	SendVerificationCode(toEmail string, fullName string, code string) error
}
