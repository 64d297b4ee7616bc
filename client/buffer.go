package client

// Buffer is an in-memory TextBuffer for headless frontends and tests. Like a
// real editor widget it raises its change event for both user edits and
// SetText calls; the session tells the two apart.
type Buffer struct {
	text     string
	onChange func(text string)
}

func NewBuffer() *Buffer {
	return &Buffer{}
}

// OnChange registers the change sink, typically Session.HandleLocalEdit.
func (b *Buffer) OnChange(fn func(text string)) {
	b.onChange = fn
}

func (b *Buffer) SetText(text string) {
	b.text = text
	if b.onChange != nil {
		b.onChange(text)
	}
}

func (b *Buffer) Text() string {
	return b.text
}
