package filter

// Buffer is the body chunk surface handed to body phase handlers.
type Buffer interface {
	Bytes() []byte
	Len() int
	// Set replaces the chunk contents.
	Set(data []byte) error
	Append(data []byte) error
	Prepend(data []byte) error
}

// Body is the host-owned storage behind a Buffer for one chunk.
type Body struct {
	data []byte
}

var _ Buffer = (*Body)(nil)

// NewBody wraps chunk. The Body takes ownership of the slice.
func NewBody(chunk []byte) *Body {
	return &Body{data: chunk}
}

func (b *Body) Bytes() []byte { return b.data }
func (b *Body) Len() int      { return len(b.data) }

func (b *Body) Set(data []byte) error {
	b.data = append(b.data[:0:0], data...)
	return nil
}

func (b *Body) Append(data []byte) error {
	b.data = append(b.data, data...)
	return nil
}

func (b *Body) Prepend(data []byte) error {
	out := make([]byte, 0, len(data)+len(b.data))
	out = append(out, data...)
	b.data = append(out, b.data...)
	return nil
}

// GuardBody returns a view of b whose mutations succeed only while allow returns nil.
func GuardBody(b *Body, allow func() error) Buffer {
	return &guardedBody{b: b, allow: allow}
}

type guardedBody struct {
	b     *Body
	allow func() error
}

func (g *guardedBody) Bytes() []byte { return g.b.Bytes() }
func (g *guardedBody) Len() int      { return g.b.Len() }

func (g *guardedBody) Set(data []byte) error {
	if err := g.allow(); err != nil {
		return err
	}
	return g.b.Set(data)
}

func (g *guardedBody) Append(data []byte) error {
	if err := g.allow(); err != nil {
		return err
	}
	return g.b.Append(data)
}

func (g *guardedBody) Prepend(data []byte) error {
	if err := g.allow(); err != nil {
		return err
	}
	return g.b.Prepend(data)
}
