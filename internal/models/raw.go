package models

// RawRow is one record as scraped, before normalization. String fields
// carry whatever the portal exported; Fields keeps the full original
// row for the raw_data provenance blob.
type RawRow struct {
	IP            string            `json:"ip"`
	Country       string            `json:"country,omitempty"`
	Reason        string            `json:"reason,omitempty"`
	Category      string            `json:"category,omitempty"`
	Confidence    int               `json:"confidence,omitempty"`
	DetectionDate string            `json:"detection_date,omitempty"`
	RemovalDate   string            `json:"removal_date,omitempty"`
	Fields        map[string]string `json:"fields,omitempty"`
}
