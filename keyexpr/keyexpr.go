// Package keyexpr implements the key expression grammar which addresses
// published samples and queries across the mesh: slash-separated segments,
// where a `*` segment matches exactly one segment and a `**` segment
// matches any run of segments, including an empty one.
package keyexpr

import (
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// KeyExpr is a canonicalized, interned key expression. Values are immutable
// once constructed, and expressions which canonicalize identically share a
// single *KeyExpr, so comparisons after construction never allocate.
type KeyExpr struct {
	str  string
	segs []string
	wild bool
}

// InvalidError is the failure to construct a KeyExpr from a malformed string.
type InvalidError struct {
	Expr   string
	Reason string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("invalid key expression %q: %s", e.Expr, e.Reason)
}

// interned maps canonical expression strings to their shared KeyExpr.
// The table is bounded: rarely-used expressions age out and are simply
// re-built on next use.
var interned, _ = lru.New[string, *KeyExpr](8192)

// New constructs the KeyExpr of |expr|, canonicalizing it:
// no leading, trailing, or doubled slashes, a `*` may only appear as a
// whole `*` or `**` segment, and adjacent `**` segments collapse into one.
func New(expr string) (*KeyExpr, error) {
	if ke, ok := interned.Get(expr); ok {
		return ke, nil
	}

	var segs, err = canonicalize(expr)
	if err != nil {
		return nil, err
	}
	var canon = strings.Join(segs, "/")

	if ke, ok := interned.Get(canon); ok {
		interned.Add(expr, ke)
		return ke, nil
	}

	var ke = &KeyExpr{
		str:  canon,
		segs: segs,
		wild: strings.Contains(canon, "*"),
	}
	interned.Add(canon, ke)
	if expr != canon {
		interned.Add(expr, ke)
	}
	return ke, nil
}

// MustNew is New, and panics on error. Use only with expressions
// known to be well-formed.
func MustNew(expr string) *KeyExpr {
	var ke, err = New(expr)
	if err != nil {
		panic(err)
	}
	return ke
}

func canonicalize(expr string) ([]string, error) {
	if expr == "" {
		return nil, &InvalidError{Expr: expr, Reason: "expression is empty"}
	}

	var segs = strings.Split(expr, "/")
	var out = segs[:0]

	for _, seg := range segs {
		switch {
		case seg == "":
			return nil, &InvalidError{Expr: expr, Reason: "empty segment"}
		case seg == "*":
			// A single-segment wildcard is kept as-is.
		case seg == "**":
			// Adjacent `**` segments match the same set of keys as one.
			if len(out) != 0 && out[len(out)-1] == "**" {
				continue
			}
		case strings.Contains(seg, "*"):
			return nil, &InvalidError{Expr: expr,
				Reason: fmt.Sprintf("segment %q mixes a wildcard with other characters", seg)}
		}
		out = append(out, seg)
	}
	return out, nil
}

// String returns the canonical form of the expression.
func (k *KeyExpr) String() string { return k.str }

// IsWild returns whether the expression contains a `*` or `**` segment.
// A non-wild expression addresses exactly one concrete key.
func (k *KeyExpr) IsWild() bool { return k.wild }

// Equal returns whether both expressions canonicalize identically.
func (k *KeyExpr) Equal(o *KeyExpr) bool {
	return k == o || (k != nil && o != nil && k.str == o.str)
}

// Join constructs the expression `k/tail`.
func (k *KeyExpr) Join(tail *KeyExpr) (*KeyExpr, error) {
	return New(k.str + "/" + tail.str)
}

// Intersects returns whether some concrete key matches both expressions.
// It is commutative and reflexive.
func (k *KeyExpr) Intersects(o *KeyExpr) bool {
	if k == o {
		return true
	}
	return intersects(k.segs, o.segs)
}

// Includes returns whether every concrete key matching |o| also matches |k|.
// Includes implies Intersects.
func (k *KeyExpr) Includes(o *KeyExpr) bool {
	if k == o {
		return true
	}
	return includes(k.segs, o.segs)
}

func intersects(a, b []string) bool {
	switch {
	case len(a) == 0 && len(b) == 0:
		return true
	case len(a) != 0 && a[0] == "**":
		// `**` absorbs zero segments, or consumes one of |b|'s.
		return intersects(a[1:], b) || (len(b) != 0 && intersects(a, b[1:]))
	case len(b) != 0 && b[0] == "**":
		return intersects(b, a)
	case len(a) == 0 || len(b) == 0:
		return false
	case a[0] == "*" || b[0] == "*" || a[0] == b[0]:
		return intersects(a[1:], b[1:])
	default:
		return false
	}
}

func includes(a, b []string) bool {
	switch {
	case len(a) == 0:
		return len(b) == 0
	case a[0] == "**":
		return includes(a[1:], b) || (len(b) != 0 && includes(a, b[1:]))
	case len(b) == 0:
		return false
	case b[0] == "**":
		// A single-segment pattern cannot cover an arbitrary run.
		return false
	case a[0] == "*":
		return includes(a[1:], b[1:])
	case a[0] == b[0]:
		return includes(a[1:], b[1:])
	default:
		return false
	}
}
