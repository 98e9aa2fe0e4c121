package upload

// IndexDocument is the denormalized projection of an upload sent to the
// keyword index.
type IndexDocument struct {
	ID          string
	Title       string
	Description string
	Text        string
	OwnerID     string
	Visibility  string
	Tags        []string
}

// IndexDoc builds the keyword-index projection of the upload.
func (u *Upload) IndexDoc() IndexDocument {
	return IndexDocument{
		ID:          u.id,
		Title:       u.title,
		Description: u.description,
		Text:        u.extractedText,
		OwnerID:     u.ownerID,
		Visibility:  string(u.visibility),
		Tags:        u.tags,
	}
}
