package internal

const (
	// HeaderServiceKey is the header the backend must present on every admin call.
	HeaderServiceKey = "NodejsServiceKey"

	// ChannelNamePattern and UIDPattern describe the validation rules shared
	// by the State Store and the Admin API.
	ChannelNamePattern = `^[A-Za-z0-9_]+$`
	UIDPattern         = `^\d+$`
)
