package domain

import "time"

// Contact is a lead submitted through the public contact form.
// Rows are insert-only.
type Contact struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Message   string    `json:"message"`
	Segment   string    `json:"segment"`
	CreatedAt time.Time `json:"created_at"`
}

// Validation constraints for contact submissions.
const (
	MaxContactNameLen    = 120
	MaxContactEmailLen   = 254
	MaxContactMessageLen = 5000
	MaxContactSegmentLen = 80
	DefaultSegment       = "Consulting"
)
