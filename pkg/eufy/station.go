package eufy

// Station is the metadata the device layer knows about a base station.
type Station struct {
	SerialNumber string
	P2PDID       string
	DSKKey       string
	AdminID      string // account id, lock key derivation

	LocalIP    string // unicast LAN probe
	DirectAddr string // previously known address, host:port

	// EnergySaving stations keep no persistent link and are never reconnected automatically.
	EnergySaving bool

	// EncryptedCommands sends commands with the level-1 key on the BINARY channel.
	EncryptedCommands bool

	// LockPublicKey is the uncompressed P-256 key of an advanced lock.
	LockPublicKey []byte
}
