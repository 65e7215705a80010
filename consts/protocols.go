package consts

// Protocol labels used in logs and metrics.
const (
	ProtocolPOP3 = "pop3"
	ProtocolLMTP = "lmtp"
)

// MaxUsernameLength bounds account names accepted by the stores.
const MaxUsernameLength = 255
