package watch

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines the observer's key bindings.
type KeyMap struct {
	Quit      key.Binding
	Up        key.Binding
	Down      key.Binding
	ClearFeed key.Binding
	Health    key.Binding
}

// DefaultKeyMap returns the default bindings.
func DefaultKeyMap() KeyMap {
	return KeyMap{
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
		Up: key.NewBinding(
			key.WithKeys("up", "k"),
			key.WithHelp("↑/k", "up"),
		),
		Down: key.NewBinding(
			key.WithKeys("down", "j"),
			key.WithHelp("↓/j", "down"),
		),
		ClearFeed: key.NewBinding(
			key.WithKeys("c"),
			key.WithHelp("c", "clear feed"),
		),
		Health: key.NewBinding(
			key.WithKeys("h"),
			key.WithHelp("h", "signal health"),
		),
	}
}

// ShortHelp is rendered in the footer.
func (k KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Up, k.Down, k.Health, k.ClearFeed, k.Quit}
}

// FullHelp groups every binding into one column.
func (k KeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{k.ShortHelp()}
}
