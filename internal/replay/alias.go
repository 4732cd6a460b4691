package replay

import "fmt"

// Aliaser hands out display names for recorded pseudonyms. Distinct
// pseudonyms always get distinct aliases, numbered in first-seen order.
type Aliaser struct {
	aliases map[string]string
}

func NewAliaser() *Aliaser {
	return &Aliaser{aliases: make(map[string]string)}
}

func (a *Aliaser) Alias(pseudonym string) string {
	if alias, ok := a.aliases[pseudonym]; ok {
		return alias
	}
	alias := fmt.Sprintf("Collaborator %d", len(a.aliases)+1)
	a.aliases[pseudonym] = alias
	return alias
}
