package poller

// Message keys for user-facing strings
const (
	MsgAuthFailed        = "device.auth_failed"
	MsgDeviceName        = "device.name"
	MsgLoginFailed       = "pair.login_failed"
	MsgListDevicesFailed = "pair.list_devices_failed"
)

// Translator looks up a user-facing string by key
type Translator func(key string) string

var english = map[string]string{
	MsgAuthFailed:        "Authentication failed. Please check your credentials.",
	MsgDeviceName:        "Water consumption",
	MsgLoginFailed:       "Login failed. Please check your email and password.",
	MsgListDevicesFailed: "Could not find a water subscription for this account.",
}

// English returns the built-in English string for key, or key itself if unknown
func English(key string) string {
	if s, ok := english[key]; ok {
		return s
	}
	return key
}
