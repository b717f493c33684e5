package blocks

import "github.com/google/uuid"

func newBlock(p Payload, order int) Block {
	return Block{ID: uuid.NewString(), Type: p.blockType(), Order: order, Payload: p}
}

func NewText(content string, order int) Block {
	return newBlock(Text{Content: content}, order)
}

func NewHeading(level int, text string, order int) Block {
	if level < 1 || level > 6 {
		level = 2
	}
	return newBlock(Heading{Level: level, Text: text}, order)
}

func NewList(listType string, order int) Block {
	if listType == "" {
		listType = "bullet"
	}
	return newBlock(List{ListType: listType, Items: []ListItem{{Text: ""}}}, order)
}

func NewTable(order int) Block {
	return newBlock(Table{
		Headers: []string{"Column 1", "Column 2"},
		Rows:    [][]string{{"", ""}},
	}, order)
}

func NewQuote(text string, order int) Block {
	return newBlock(Quote{Text: text}, order)
}

func NewCallout(variant, content string, order int) Block {
	if variant == "" {
		variant = "info"
	}
	return newBlock(Callout{Variant: variant, Content: content}, order)
}

func NewImage(url, alt string, order int) Block {
	return newBlock(Image{URL: url, Alt: alt}, order)
}

func NewChart(chartType string, order int) Block {
	if chartType == "" {
		chartType = "bar"
	}
	return newBlock(Chart{
		ChartType: chartType,
		Data: ChartData{
			Labels:   []string{"Label 1", "Label 2"},
			Datasets: []ChartDataset{{Label: "Dataset 1", Data: []float64{10, 20}}},
		},
	}, order)
}

func NewCode(language, code string, order int) Block {
	if language == "" {
		language = "javascript"
	}
	return newBlock(Code{Language: language, Code: code}, order)
}

func NewDivider(order int) Block {
	return newBlock(Divider{}, order)
}

func NewFootnoteRef(footnoteID string, number, order int) Block {
	return newBlock(FootnoteRef{FootnoteID: footnoteID, Number: number}, order)
}

func NewExhibitRef(exhibitID, label string, order int) Block {
	return newBlock(ExhibitRef{ExhibitID: exhibitID, Label: label}, order)
}
