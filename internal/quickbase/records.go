package quickbase

// Record is one Quickbase record payload: field id (as a decimal string)
// mapped to a wrapped value, matching the records API wire format.
type Record map[string]FieldValue

// FieldValue wraps a single field value the way the records API expects.
type FieldValue struct {
	Value interface{} `json:"value"`
}

// Set assigns a field value by numeric field id.
func (r Record) Set(fieldID int, value interface{}) Record {
	r[fieldKey(fieldID)] = FieldValue{Value: value}
	return r
}

// Float reads a numeric field. Quickbase numbers decode as float64.
func (r Record) Float(fieldID int) (float64, bool) {
	v, ok := r[fieldKey(fieldID)]
	if !ok {
		return 0, false
	}
	f, ok := v.Value.(float64)
	return f, ok
}

// String reads a text field.
func (r Record) String(fieldID int) (string, bool) {
	v, ok := r[fieldKey(fieldID)]
	if !ok {
		return "", false
	}
	s, ok := v.Value.(string)
	return s, ok
}

// UpsertMetadata is the metadata block of an upsert response.
type UpsertMetadata struct {
	CreatedRecordIDs   []int               `json:"createdRecordIds"`
	UpdatedRecordIDs   []int               `json:"updatedRecordIds"`
	UnchangedRecordIDs []int               `json:"unchangedRecordIds"`
	LineErrors         map[string][]string `json:"lineErrors"`
}

// UpsertResult is the decoded response of an upsert call. Data carries
// the fieldsToReturn projection for each written record.
type UpsertResult struct {
	Data     []Record       `json:"data"`
	Metadata UpsertMetadata `json:"metadata"`
}
