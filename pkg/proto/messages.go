package proto

import "strconv"

// Wire protocol between the agent and the Central API (CBOR over WebSocket binary frames).

// Kind is the envelope tag. It is as wide as any CBOR unsigned integer so
// that tags from newer peers decode as Unsupported.
type Kind uint64

const (
	KindOk Kind = iota
	KindError
	KindUploadTo
	KindMetadataReq
	KindMetadataRes
	KindAuthReq
	KindAuthRes
	KindStatusReq
	KindStatusRes
)

var kindNames = map[Kind]string{
	KindOk:          "ok",
	KindError:       "error",
	KindUploadTo:    "upload_to",
	KindMetadataReq: "metadata_req",
	KindMetadataRes: "metadata_res",
	KindAuthReq:     "auth_req",
	KindAuthRes:     "auth_res",
	KindStatusReq:   "status_req",
	KindStatusRes:   "status_res",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown(" + strconv.FormatUint(uint64(k), 10) + ")"
}

// ErrorKind classifies an Error message.
type ErrorKind uint8

const (
	ErrUnknownKind ErrorKind = iota
	FileDoesntExist
	UploadFailed
)

func (e ErrorKind) String() string {
	switch e {
	case FileDoesntExist:
		return "file_doesnt_exist"
	case UploadFailed:
		return "upload_failed"
	default:
		return "unknown"
	}
}

// Message is one protocol message. The set of variants is closed: only
// types in this package implement it.
type Message interface {
	Kind() Kind
	isMessage()
}

// Ok acknowledges a previous message.
type Ok struct{}

// Error reports a failure to the other side.
type Error struct {
	ErrKind ErrorKind `cbor:"kind"`
	Reason  string    `cbor:"reason,omitempty"`
}

// UploadTo asks the agent to stream a share to UploadURL.
type UploadTo struct {
	FileID    uint32 `cbor:"file_id"`
	UploadURL string `cbor:"upload_url"`
}

// MetadataReq asks for the metadata of a share.
type MetadataReq struct {
	FileID   uint32 `cbor:"file_id"`
	UploadID string `cbor:"upload_id"`
}

// MetadataRes answers a MetadataReq.
type MetadataRes struct {
	FileID   uint32 `cbor:"file_id"`
	Exp      uint64 `cbor:"exp"`
	Crt      uint64 `cbor:"crt"`
	FileSize uint64 `cbor:"file_size"`
	Username string `cbor:"username"`
	FileName string `cbor:"file_name"`
	UploadID string `cbor:"upload_id"`
}

// AuthReq asks the agent to prove its identity.
type AuthReq struct {
	PublicID uint64 `cbor:"public_id"`
}

// AuthRes carries the agent's passcode.
type AuthRes struct {
	PublicID uint64 `cbor:"public_id"`
	Passcode []byte `cbor:"passcode"`
}

// StatusReq is a liveness probe.
type StatusReq struct {
	PublicID uint64 `cbor:"public_id"`
	UploadID string `cbor:"upload_id"`
}

// StatusRes answers a StatusReq.
type StatusRes struct {
	PublicID uint64 `cbor:"public_id"`
	Ready    bool   `cbor:"ready"`
	Uptime   uint64 `cbor:"uptime"` // seconds connected
	UploadID string `cbor:"upload_id"`
	Message  string `cbor:"message,omitempty"`
}

// Unsupported is produced when the envelope carries a kind this agent
// does not understand. It is never encoded.
type Unsupported struct {
	Type Kind
	Body []byte
}

func (Ok) Kind() Kind          { return KindOk }
func (Error) Kind() Kind       { return KindError }
func (UploadTo) Kind() Kind    { return KindUploadTo }
func (MetadataReq) Kind() Kind { return KindMetadataReq }
func (MetadataRes) Kind() Kind { return KindMetadataRes }
func (AuthReq) Kind() Kind     { return KindAuthReq }
func (AuthRes) Kind() Kind     { return KindAuthRes }
func (StatusReq) Kind() Kind   { return KindStatusReq }
func (StatusRes) Kind() Kind   { return KindStatusRes }
func (u Unsupported) Kind() Kind {
	return u.Type
}

func (Ok) isMessage()          {}
func (Error) isMessage()       {}
func (UploadTo) isMessage()    {}
func (MetadataReq) isMessage() {}
func (MetadataRes) isMessage() {}
func (AuthReq) isMessage()     {}
func (AuthRes) isMessage()     {}
func (StatusReq) isMessage()   {}
func (StatusRes) isMessage()   {}
func (Unsupported) isMessage() {}
