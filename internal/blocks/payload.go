package blocks

type Text struct {
	Content   string `json:"content"` // HTML produced by the editor
	Alignment string `json:"alignment,omitempty"`
}

type Heading struct {
	Level    int    `json:"level"`
	Text     string `json:"text"`
	AnchorID string `json:"anchorId,omitempty"`
}

type ListItem struct {
	Text     string     `json:"text"`
	Checked  *bool      `json:"checked,omitempty"`
	Children []ListItem `json:"children,omitempty"`
}

type List struct {
	ListType string     `json:"listType"` // bullet, numbered or checklist
	Items    []ListItem `json:"items"`
}

type TableStyle struct {
	Bordered bool `json:"bordered,omitempty"`
	Striped  bool `json:"striped,omitempty"`
	Compact  bool `json:"compact,omitempty"`
}

type Table struct {
	Headers []string    `json:"headers"`
	Rows    [][]string  `json:"rows"`
	Caption string      `json:"caption,omitempty"`
	Style   *TableStyle `json:"style,omitempty"`
}

type Quote struct {
	Text       string `json:"text"`
	Author     string `json:"author,omitempty"`
	Source     string `json:"source,omitempty"`
	CitationID string `json:"citationId,omitempty"`
}

type Callout struct {
	Variant string `json:"variant"` // info, warning, success, error, note
	Title   string `json:"title,omitempty"`
	Content string `json:"content"`
	Icon    string `json:"icon,omitempty"`
}

type Image struct {
	URL       string `json:"url"`
	Alt       string `json:"alt"`
	Caption   string `json:"caption,omitempty"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	Alignment string `json:"alignment,omitempty"`
	AssetID   string `json:"assetId,omitempty"`
}

type ChartDataset struct {
	Label string    `json:"label"`
	Data  []float64 `json:"data"`
	Color string    `json:"color,omitempty"`
}

type ChartData struct {
	Labels   []string       `json:"labels"`
	Datasets []ChartDataset `json:"datasets"`
}

type Chart struct {
	ChartType string    `json:"chartType"`
	Data      ChartData `json:"data"`
	Title     string    `json:"title,omitempty"`
	Caption   string    `json:"caption,omitempty"`
	AssetID   string    `json:"assetId,omitempty"`
}

type Code struct {
	Language        string `json:"language"`
	Code            string `json:"code"`
	ShowLineNumbers bool   `json:"showLineNumbers,omitempty"`
	HighlightLines  []int  `json:"highlightLines,omitempty"`
	Filename        string `json:"filename,omitempty"`
}

type Divider struct {
	Style string `json:"style,omitempty"`
}

type FootnoteRef struct {
	FootnoteID string `json:"footnoteId"`
	Number     int    `json:"number"`
}

type ExhibitRef struct {
	ExhibitID string `json:"exhibitId"`
	Label     string `json:"label"` // e.g. "Exhibit A"
}

func (Text) blockType() Type        { return TypeText }
func (Heading) blockType() Type     { return TypeHeading }
func (List) blockType() Type        { return TypeList }
func (Table) blockType() Type       { return TypeTable }
func (Quote) blockType() Type       { return TypeQuote }
func (Callout) blockType() Type     { return TypeCallout }
func (Image) blockType() Type       { return TypeImage }
func (Chart) blockType() Type       { return TypeChart }
func (Code) blockType() Type        { return TypeCode }
func (Divider) blockType() Type     { return TypeDivider }
func (FootnoteRef) blockType() Type { return TypeFootnoteRef }
func (ExhibitRef) blockType() Type  { return TypeExhibitRef }
