package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Intent names a dialog-layer request handled by the session controller.
type Intent string

const (
	IntentSearch      Intent = "search"
	IntentLibrary     Intent = "library"
	IntentMore        Intent = "more"
	IntentPrevious    Intent = "previous"
	IntentResults     Intent = "results"
	IntentDescription Intent = "description"
	IntentPreview     Intent = "preview"
)

// QuerySpec is a normalized book search request. Build it with the
// bookquery package; a zero QuerySpec is never valid.
type QuerySpec struct {
	UserInput   string `json:"userInput"`
	Type        string `json:"type,omitempty"`
	Categories  string `json:"categories,omitempty"`
	Authors     string `json:"authors,omitempty"`
	Title       string `json:"title,omitempty"`
	Order       string `json:"order,omitempty"`
	Language    string `json:"language,omitempty"`
	Bookshelf   string `json:"bookshelf,omitempty"`
	Friend      string `json:"friend,omitempty"`
	QueryString string `json:"queryString"`
	MyLibrary   bool   `json:"myLibrary"`
}

// Book is one retrieved volume. Order is its absolute offset in the result
// sequence of the query that produced it.
type Book struct {
	VolumeID      string   `json:"volumeId,omitempty"`
	Title         string   `json:"title"`
	Authors       []string `json:"authors,omitempty"`
	PublishedDate string   `json:"publishedDate,omitempty"`
	Description   string   `json:"description,omitempty"`
	AverageRating float64  `json:"averageRating,omitempty"`
	PageCount     int      `json:"pageCount,omitempty"`
	Categories    []string `json:"categories,omitempty"`
	ThumbnailLink string   `json:"thumbnailLink,omitempty"`
	PreviewLink   string   `json:"previewLink,omitempty"`
	InfoLink      string   `json:"infoLink,omitempty"`
	BuyLink       string   `json:"buyLink,omitempty"`
	ISBN          string   `json:"isbn,omitempty"`
	Order         int      `json:"order"`
}

type CursorField string

const (
	FieldStartIndex    CursorField = "startIndex"
	FieldTotalResults  CursorField = "totalResults"
	FieldResultsStored CursorField = "resultsStored"
	FieldPageSize      CursorField = "pageSize"
)

// Cursor is the pagination position of one query within one session.
// ResultsStored only grows; TotalResults is fixed at the first fetch.
type Cursor struct {
	StartIndex    int       `json:"startIndex"`
	TotalResults  int       `json:"totalResults"`
	ResultsStored int       `json:"resultsStored"`
	PageSize      int       `json:"pageSize"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Field returns the named cursor value.
func (c Cursor) Field(name CursorField) (int, error) {
	switch name {
	case FieldStartIndex:
		return c.StartIndex, nil
	case FieldTotalResults:
		return c.TotalResults, nil
	case FieldResultsStored:
		return c.ResultsStored, nil
	case FieldPageSize:
		return c.PageSize, nil
	default:
		return 0, fmt.Errorf("unknown cursor field %q", name)
	}
}

// QueryID identifies a query within a session: query-1, query-2, ...
type QueryID string

const queryIDPrefix = "query-"

// NewQueryID formats the n-th query ID of a session.
func NewQueryID(n int) QueryID {
	return QueryID(queryIDPrefix + strconv.Itoa(n))
}

// Number returns the numeric suffix, or false if id is malformed.
func (id QueryID) Number() (int, bool) {
	raw, ok := strings.CutPrefix(string(id), queryIDPrefix)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func (id QueryID) String() string {
	return string(id)
}

// QueryKey scopes persisted records to one query of one session.
type QueryKey struct {
	SessionID string
	QueryID   QueryID
}

func (k QueryKey) String() string {
	return k.SessionID + "/" + string(k.QueryID)
}
