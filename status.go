package mark46

import "fmt"

// Close codes owned by the server. The RFC 6455 range lives in
// internal/wire; 5xxx codes carry the reason templates below, which are
// part of the external contract and surfaced verbatim to peers.
const (
	CodeAuthorizationError uint16 = 5101
	CodeServerFull         uint16 = 5102
	CodeKicked             uint16 = 5103
	CodeBanned             uint16 = 5104
	CodeServerException    uint16 = 5105
	CodeClientClosed       uint16 = 5201
)

// Status pairs a close code with its reason text.
type Status struct {
	Code   uint16
	Reason string
}

// StatusAuthorizationError reports a rejected authentication.
func StatusAuthorizationError() Status {
	return Status{Code: CodeAuthorizationError, Reason: "Authorization error."}
}

// StatusServerFull reports the client cap being reached.
func StatusServerFull() Status {
	return Status{Code: CodeServerFull, Reason: "Server is Full."}
}

// StatusKicked reports a forced disconnect. An empty user renders as
// "anonymous".
func StatusKicked(user, reason string) Status {
	if user == "" {
		user = "anonymous"
	}
	return Status{
		Code:   CodeKicked,
		Reason: fmt.Sprintf("Kicked by %s. (Reason: %s)", user, reason),
	}
}

// StatusBanned reports a ban. An empty user renders as "anonymous", an
// empty length as "? Days".
func StatusBanned(user, length, reason string) Status {
	if user == "" {
		user = "anonymous"
	}
	if length == "" {
		length = "? Days"
	}
	return Status{
		Code:   CodeBanned,
		Reason: fmt.Sprintf("You have been banned by the %s for %s. (Reason: %s)", user, length, reason),
	}
}

// StatusServerException reports an internal failure on this side.
func StatusServerException(msg string) Status {
	return Status{
		Code:   CodeServerException,
		Reason: fmt.Sprintf("Server exception (Message: %s).", msg),
	}
}

// StatusClientClosed is the status a well-behaved client sends when it
// closes deliberately.
func StatusClientClosed(msg string) Status {
	return Status{
		Code:   CodeClientClosed,
		Reason: fmt.Sprintf("Connection closed by client (Message: %s).", msg),
	}
}
