package masking

import (
	"fmt"

	"github.com/ZanzyTHEbar/sftpipe/sftpipe/common"
	"github.com/ZanzyTHEbar/sftpipe/sftpipe/types"
)

type piece struct {
	span   types.Span
	ids    []int
	labels []int
}

func (p piece) len() int { return len(p.ids) }

// cutTail removes up to n tokens from the end and returns how many went
func (p *piece) cutTail(n int) int {
	if n > len(p.ids) {
		n = len(p.ids)
	}
	p.ids = p.ids[:len(p.ids)-n]
	p.labels = p.labels[:len(p.labels)-n]
	return n
}

// layout splits an example into the parts the drop policy works on:
// the head (BOS and system spans), the droppable history pairs, the final
// user query and the final assistant answer.
type layout struct {
	head   []piece
	pairs  [][2]piece
	query  *piece
	answer piece
}

func newLayout(ex types.TokenizedExample) (*layout, error) {
	if len(ex.Spans) == 0 {
		return nil, &common.SchemaError{Err: fmt.Errorf("%w: example has no spans", common.ErrNoSupervision)}
	}
	pieces := make([]piece, len(ex.Spans))
	for i, s := range ex.Spans {
		pieces[i] = piece{span: s, ids: ex.InputIDs[s.Start:s.End], labels: ex.Labels[s.Start:s.End]}
	}

	l := &layout{}
	last := pieces[len(pieces)-1]
	if !last.span.Supervised || last.span.Role != types.RoleAssistant {
		return nil, &common.SchemaError{Err: fmt.Errorf("%w: last span is not an assistant turn", common.ErrNoSupervision)}
	}
	l.answer = last
	rest := pieces[:len(pieces)-1]
	if n := len(rest); n > 0 && rest[n-1].span.Role == types.RoleUser {
		q := rest[n-1]
		l.query = &q
		rest = rest[:n-1]
	}

	i := 0
	for ; i < len(rest) && (rest[i].span.Role == "" || rest[i].span.Role == types.RoleSystem); i++ {
		l.head = append(l.head, rest[i])
	}
	rest = rest[i:]
	if len(rest)%2 != 0 {
		return nil, &common.SchemaError{Err: fmt.Errorf("%w: unpaired history turn", common.ErrInvalidTurnOrder)}
	}
	for j := 0; j < len(rest); j += 2 {
		if rest[j].span.Role != types.RoleUser || rest[j+1].span.Role != types.RoleAssistant {
			return nil, &common.SchemaError{Err: fmt.Errorf("%w: history turn %d", common.ErrInvalidTurnOrder, j)}
		}
		l.pairs = append(l.pairs, [2]piece{rest[j], rest[j+1]})
	}
	return l, nil
}

func (l *layout) total() int {
	n := l.answer.len()
	for _, p := range l.head {
		n += p.len()
	}
	for _, pr := range l.pairs {
		n += pr[0].len() + pr[1].len()
	}
	if l.query != nil {
		n += l.query.len()
	}
	return n
}

// floor is the length that can never be removed: BOS and the answer
func (l *layout) floor() int {
	n := l.answer.len()
	for _, p := range l.head {
		if p.span.Role == "" {
			n += p.len()
		}
	}
	return n
}

func (l *layout) build() types.TokenizedExample {
	var ex types.TokenizedExample
	add := func(p piece) {
		if p.len() == 0 && p.span.Role != types.RoleAssistant {
			return
		}
		start := len(ex.InputIDs)
		ex.InputIDs = append(ex.InputIDs, p.ids...)
		ex.Labels = append(ex.Labels, p.labels...)
		s := p.span
		s.Start, s.End = start, len(ex.InputIDs)
		ex.Spans = append(ex.Spans, s)
	}
	for _, p := range l.head {
		add(p)
	}
	for _, pr := range l.pairs {
		add(pr[0])
		add(pr[1])
	}
	if l.query != nil {
		add(*l.query)
	}
	add(l.answer)
	return ex
}

// Fit enforces the budget on ex. Examples already within budget are
// returned unchanged. Under DropOldest the oldest history pairs go first,
// then the system preamble is cut from its tail, then the final user turn.
// The final assistant span is never cut.
func (e *Engine) Fit(ex types.TokenizedExample, budget int, policy DropPolicy) (types.TokenizedExample, error) {
	if budget <= 0 || ex.Len() <= budget {
		return ex, nil
	}
	if policy == DropNone {
		return types.TokenizedExample{}, &common.BudgetExceededError{Length: ex.Len(), Budget: budget}
	}

	l, err := newLayout(ex)
	if err != nil {
		return types.TokenizedExample{}, err
	}
	if l.floor() > budget {
		return types.TokenizedExample{}, &common.BudgetExceededError{Length: ex.Len(), Budget: budget}
	}

	for l.total() > budget && len(l.pairs) > 0 {
		l.pairs = l.pairs[1:]
	}
	for i := range l.head {
		if over := l.total() - budget; over > 0 && l.head[i].span.Role == types.RoleSystem {
			l.head[i].cutTail(over)
		}
	}
	if over := l.total() - budget; over > 0 && l.query != nil {
		l.query.cutTail(over)
	}

	out := l.build()
	if out.Len() > budget {
		return types.TokenizedExample{}, &common.BudgetExceededError{Length: out.Len(), Budget: budget}
	}
	return out, nil
}
