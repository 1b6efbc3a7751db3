package ui

import "github.com/charmbracelet/bubbles/key"

type keyMap struct {
	Up        key.Binding
	Down      key.Binding
	Join      key.Binding
	Leave     key.Binding
	End       key.Binding
	Snapshot  key.Binding
	Filter    key.Binding
	LogFilter key.Binding
	Quit      key.Binding
}

func defaultKeyMap() keyMap {
	return keyMap{
		Up:        key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
		Down:      key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
		Join:      key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "join")),
		Leave:     key.NewBinding(key.WithKeys("l"), key.WithHelp("l", "leave")),
		End:       key.NewBinding(key.WithKeys("e"), key.WithHelp("e", "end session")),
		Snapshot:  key.NewBinding(key.WithKeys("s"), key.WithHelp("s", "snapshot")),
		Filter:    key.NewBinding(key.WithKeys("f"), key.WithHelp("f", "status filter")),
		LogFilter: key.NewBinding(key.WithKeys("t"), key.WithHelp("t", "event filter")),
		Quit:      key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	}
}

func (k keyMap) help() []key.Binding {
	return []key.Binding{k.Up, k.Down, k.Join, k.Leave, k.End, k.Snapshot, k.Filter, k.LogFilter, k.Quit}
}
