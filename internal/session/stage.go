package session

// Stage is the handshake or operating phase of a session.
type Stage int

const (
	AwaitingVersion Stage = iota
	AwaitingSecurityChoice
	AwaitingClientInit
	Operating
	Closed
)

func (s Stage) String() string {
	switch s {
	case AwaitingVersion:
		return "awaiting-version"
	case AwaitingSecurityChoice:
		return "awaiting-security"
	case AwaitingClientInit:
		return "awaiting-client-init"
	case Operating:
		return "operating"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseReason records why a session ended.
type CloseReason int

const (
	NotClosed CloseReason = iota
	VersionMismatch
	SecurityRejected
	Malformed
	ClientDisconnected
	IOError
	CaptureFailed
	ServerShutdown
)

func (r CloseReason) String() string {
	switch r {
	case NotClosed:
		return "none"
	case VersionMismatch:
		return "version_mismatch"
	case SecurityRejected:
		return "security_rejected"
	case Malformed:
		return "malformed"
	case ClientDisconnected:
		return "client_disconnected"
	case IOError:
		return "io_error"
	case CaptureFailed:
		return "capture_failed"
	case ServerShutdown:
		return "server_shutdown"
	default:
		return "unknown"
	}
}
