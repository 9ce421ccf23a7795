package heap

// Visitor receives callbacks from Traverse. Returning true from a hook marks
// the entity as handled and skips its children.
type Visitor interface {
	VisitNormalPageSpace(*NormalPageSpace) bool
	VisitLargePageSpace(*LargePageSpace) bool
	VisitNormalPage(*NormalPage) bool
	VisitLargePage(*LargePage) bool
	VisitHeapObjectHeader(*HeapObjectHeader) bool
}

// BaseVisitor descends everywhere. Embed it to override single hooks.
type BaseVisitor struct{}

func (BaseVisitor) VisitNormalPageSpace(*NormalPageSpace) bool   { return false }
func (BaseVisitor) VisitLargePageSpace(*LargePageSpace) bool     { return false }
func (BaseVisitor) VisitNormalPage(*NormalPage) bool             { return false }
func (BaseVisitor) VisitLargePage(*LargePage) bool               { return false }
func (BaseVisitor) VisitHeapObjectHeader(*HeapObjectHeader) bool { return false }

// Traverse walks every space, page and object header of r.
func Traverse(r *RawHeap, v Visitor) {
	for _, s := range r.normal {
		traverseNormalSpace(s, v)
	}
	traverseLargeSpace(r.large, v)
}

func traverseNormalSpace(s *NormalPageSpace, v Visitor) {
	if v.VisitNormalPageSpace(s) {
		return
	}
	for _, p := range s.pages {
		TraversePage(p, v)
	}
}

func traverseLargeSpace(s *LargePageSpace, v Visitor) {
	if v.VisitLargePageSpace(s) {
		return
	}
	for _, p := range s.pages {
		TraversePage(p, v)
	}
}

// TraversePage visits one page and, unless the page hook handles it, every
// object on it.
func TraversePage(p BasePage, v Visitor) {
	switch p := p.(type) {
	case *NormalPage:
		if v.VisitNormalPage(p) {
			return
		}
		p.bitmap.Iterate(func(addr Address) {
			v.VisitHeapObjectHeader(p.HeaderAt(addr))
		})
	case *LargePage:
		if v.VisitLargePage(p) {
			return
		}
		v.VisitHeapObjectHeader(&p.header)
	}
}
