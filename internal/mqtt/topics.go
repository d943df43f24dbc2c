package mqtt

import "strings"

// Topics builds the topic names used by tradfrid under a common prefix.
//
//	<prefix>/<output>                       routed device notifications
//	<prefix>/methods/<name>/request         command requests
//	<prefix>/methods/<name>/response        command responses
//	<prefix>/config/desired                 configuration patches
//	<prefix>/config/reported                reported configuration (retained)
//	<prefix>/status                         online/offline (retained, LWT)
type Topics struct {
	Prefix string
}

func (t Topics) join(parts ...string) string {
	return strings.Join(append([]string{strings.TrimSuffix(t.Prefix, "/")}, parts...), "/")
}

// Output returns the notification topic for an output channel.
func (t Topics) Output(name string) string { return t.join(name) }

// MethodRequest returns the request topic of a command.
func (t Topics) MethodRequest(name string) string { return t.join("methods", name, "request") }

// MethodResponse returns the response topic of a command.
func (t Topics) MethodResponse(name string) string { return t.join("methods", name, "response") }

// MethodRequests returns the wildcard subscription for every command request.
func (t Topics) MethodRequests() string { return t.join("methods", "+", "request") }

// ConfigDesired returns the configuration patch topic.
func (t Topics) ConfigDesired() string { return t.join("config", "desired") }

// ConfigReported returns the reported configuration topic.
func (t Topics) ConfigReported() string { return t.join("config", "reported") }

// Status returns the online status topic.
func (t Topics) Status() string { return t.join("status") }

// MethodName extracts the command name from a request topic.
// It returns false when topic is not a request topic under the prefix.
func (t Topics) MethodName(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, t.join("methods")+"/")
	if !ok {
		return "", false
	}
	name, ok := strings.CutSuffix(rest, "/request")
	if !ok || name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return name, true
}
