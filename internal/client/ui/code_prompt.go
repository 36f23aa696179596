package ui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
)

// CodeLength is the number of digits in a mailed code.
const CodeLength = 6

// ErrCancelled is returned when the user leaves a prompt without answering.
var ErrCancelled = errors.New("cancelled")

// CodeModel reads a numeric one-time code.
type CodeModel struct {
	title    string
	digits   []rune
	done     bool
	aborted  bool
	quitting bool
}

func NewCodePrompt(title string) CodeModel {
	return CodeModel{title: title}
}

func (m CodeModel) Init() tea.Cmd {
	return nil
}

func (m CodeModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}

	switch key.Type {
	case tea.KeyCtrlC, tea.KeyEsc:
		m.aborted = true
		m.quitting = true
		return m, tea.Quit
	case tea.KeyBackspace:
		if len(m.digits) > 0 {
			m.digits = m.digits[:len(m.digits)-1]
		}
	case tea.KeyEnter:
		if len(m.digits) == CodeLength {
			m.done = true
			m.quitting = true
			return m, tea.Quit
		}
	case tea.KeyRunes:
		for _, r := range key.Runes {
			if r >= '0' && r <= '9' && len(m.digits) < CodeLength {
				m.digits = append(m.digits, r)
			}
		}
	}
	return m, nil
}

func (m CodeModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render(m.title))
	b.WriteString("\n\n  ")
	for i := 0; i < CodeLength; i++ {
		if i < len(m.digits) {
			b.WriteString(SelectedStyle.Render(string(m.digits[i])))
		} else {
			b.WriteString(UnselectedStyle.Render("_"))
		}
		b.WriteString(" ")
	}
	b.WriteString("\n\n")
	b.WriteString(HelpStyle.Render("type the code • enter submit • esc cancel"))
	return b.String()
}

// Code returns the entered digits once the prompt completed.
func (m CodeModel) Code() (string, bool) {
	if !m.done || m.aborted {
		return "", false
	}
	return string(m.digits), true
}

// PromptCode runs the code prompt until the user submits or ctx ends.
func PromptCode(ctx context.Context, title string) (string, error) {
	result, err := tea.NewProgram(NewCodePrompt(title), tea.WithContext(ctx)).Run()
	if err != nil {
		return "", fmt.Errorf("failed to read code: %w", err)
	}
	code, ok := result.(CodeModel).Code()
	if !ok {
		return "", ErrCancelled
	}
	return code, nil
}
