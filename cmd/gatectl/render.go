package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/InsulaLabs/agentgate/models"
	"github.com/charmbracelet/lipgloss"
)

var (
	topicStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	walletStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	stateStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	keyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("63"))
)

type renderer struct {
	out  io.Writer
	json bool
}

func (r renderer) event(e models.Event) error {
	if r.json {
		return json.NewEncoder(r.out).Encode(e)
	}

	header := topicStyle.Render(e.Topic) + " " + walletStyle.Render(e.WalletID+"@"+e.Origin)
	if state, ok := e.StringField("state"); ok {
		header += " " + stateStyle.Render(state)
	}
	_, err := fmt.Fprintln(r.out, header+"\n"+r.fields(e.Payload))
	return err
}

func (r renderer) payload(p map[string]any) error {
	if r.json {
		return json.NewEncoder(r.out).Encode(p)
	}
	_, err := fmt.Fprintln(r.out, r.fields(p))
	return err
}

func (r renderer) value(v any) error {
	if r.json {
		return json.NewEncoder(r.out).Encode(v)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(r.out, string(data))
	return err
}

// fields renders top-level payload fields one per line, sorted by key.
// Nested values are shown as compact JSON.
func (r renderer) fields(p map[string]any) string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('\n')
		}
		var shown string
		switch v := p[k].(type) {
		case string:
			shown = v
		default:
			raw, err := json.Marshal(v)
			if err != nil {
				shown = fmt.Sprint(v)
			} else {
				shown = string(raw)
			}
		}
		b.WriteString("  " + keyStyle.Render(k) + " " + shown)
	}
	return b.String()
}
