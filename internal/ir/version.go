package ir

// Version constants for stored records and the service.
const (
	// RecordFormatVersion is the on-disk record encoding version.
	RecordFormatVersion = "1"

	// ServiceVersion is the fieldrec service version.
	ServiceVersion = "0.1.0"
)
