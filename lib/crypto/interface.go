package crypto

// PublicKeyI is the verification half of a node identity
type PublicKeyI interface {
	Address() AddressI
	Bytes() []byte
	VerifyBytes(msg []byte, sig []byte) bool
	String() string
	Equals(PublicKeyI) bool
}

// PrivateKeyI is the signing half of a node identity
type PrivateKeyI interface {
	Bytes() []byte
	Sign(msg []byte) []byte
	PublicKey() PublicKeyI
	String() string
	Equals(PrivateKeyI) bool
}

// AddressI is the short form of a public key, used as the peer id on the network
type AddressI interface {
	MarshalJSON() ([]byte, error)
	UnmarshalJSON([]byte) error
	Bytes() []byte
	String() string
	Equals(AddressI) bool
}

// MultiPublicKeyI verifies a single aggregated signature against a fixed ordered list of public keys
// and a bitmap of which of them signed
type MultiPublicKeyI interface {
	AggregateSignatures() ([]byte, error)
	VerifyBytes(msg, aggregatedSignature []byte) bool
	AddSigner(signature []byte, index int) error
	SignerEnabledAt(i int) (bool, error)
	SignerCount() int
	PublicKeys() (keys []PublicKeyI)
	SetBitmap(bm []byte) error
	Bitmap() []byte
	Copy() MultiPublicKeyI
	Reset()
}
