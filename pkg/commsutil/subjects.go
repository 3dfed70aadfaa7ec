package commsutil

import (
	"fmt"
	"strings"
)

// Default COMMS subjects.
const (
	SubjectDeeplink         = "sdk.deeplink.v1"
	SubjectConnectionEvents = "sdk.connection.events"
)

// subjectUnsafe replaces characters NATS treats as token separators or wildcards.
var subjectUnsafe = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

// BuildConnectionEventSubject builds a per-type connection event subject.
func BuildConnectionEventSubject(eventType string) string {
	return fmt.Sprintf("sdk.connection.%s", subjectUnsafe.Replace(eventType))
}

// BuildRPCSubject builds the subject decrypted RPC requests for a channel are relayed on.
func BuildRPCSubject(channelID string) string {
	return fmt.Sprintf("sdk.rpc.%s", subjectUnsafe.Replace(channelID))
}
