package domain

// FileDescriptor describes a local file before any bytes move.
type FileDescriptor struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size"`
}

// UploadTarget is one addressed storage destination, matched to an input file
// by name.
type UploadTarget struct {
	Name      string `json:"name"`
	Key       string `json:"key"`
	PutURL    string `json:"put_url"`
	PublicURL string `json:"public_url"`
}

// UploadedItem pairs a registered storage key with the original filename.
// All items of one batch come from the same storage tier.
type UploadedItem struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

// LocalFile is an in-memory file staged for upload.
type LocalFile struct {
	Name string
	MIME string
	Data []byte
}

// Descriptor derives the wire descriptor for the file, defaulting the MIME
// type to application/octet-stream.
func (f LocalFile) Descriptor() FileDescriptor {
	mime := f.MIME
	if mime == "" {
		mime = "application/octet-stream"
	}
	return FileDescriptor{Name: f.Name, Type: mime, Size: int64(len(f.Data))}
}
