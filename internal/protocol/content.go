package protocol

import (
	"encoding/json"
	"strings"
)

// Element kinds inside chat content.
const (
	ElemText  = "text"
	ElemFace  = "face"
	ElemImage = "image"
)

// Element is one piece of chat content.
type Element struct {
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	FaceID int    `json:"face_id,omitempty"`
	Image  string `json:"image,omitempty"`
}

// Content is parsed chat text. Plain strings parse to a single text element
// and render back unchanged.
type Content struct {
	Elements []Element
	plain    bool
}

func ParseContent(raw string) Content {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "[") {
		var elems []Element
		if err := json.Unmarshal([]byte(trimmed), &elems); err == nil {
			return Content{Elements: elems}
		}
	}
	return Content{Elements: []Element{{Type: ElemText, Text: raw}}, plain: true}
}

// Images lists image references in order of appearance.
func (c Content) Images() []string {
	var out []string
	for _, e := range c.Elements {
		if e.Type == ElemImage && e.Image != "" {
			out = append(out, e.Image)
		}
	}
	return out
}

// RewriteImage replaces every reference to from with to and reports whether
// anything changed.
func (c *Content) RewriteImage(from, to string) bool {
	changed := false
	for i := range c.Elements {
		if c.Elements[i].Type == ElemImage && c.Elements[i].Image == from {
			c.Elements[i].Image = to
			changed = true
		}
	}
	return changed
}

// MapImages rewrites every image reference through fn.
func (c *Content) MapImages(fn func(string) string) {
	for i := range c.Elements {
		if c.Elements[i].Type == ElemImage && c.Elements[i].Image != "" {
			c.Elements[i].Image = fn(c.Elements[i].Image)
		}
	}
}

func (c Content) String() string {
	if c.plain && len(c.Elements) == 1 {
		return c.Elements[0].Text
	}
	data, err := json.Marshal(c.Elements)
	if err != nil {
		return ""
	}
	return string(data)
}
