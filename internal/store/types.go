package store

// PendingSend is a sent-but-not-yet-echoed message. Plaintext is kept so
// the echo can be shown without decrypting, even after a restart.
type PendingSend struct {
	PendingID               string
	RoomID                  string
	MessageType             string
	Plaintext               string
	EncryptedContent        string
	EncryptedSessionKey     string
	SelfEncryptedSessionKey string
	AssetID                 string
	ReplyTo                 string
	Status                  string // sending, sent, failed
	ErrorMessage            string
	CreatedAt               int64
	UpdatedAt               int64
}
