package ui

import (
	"bufio"
	"io"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
)

func runes(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func feed(m tea.Model, msgs ...tea.Msg) tea.Model {
	for _, msg := range msgs {
		m, _ = m.Update(msg)
	}
	return m
}

func TestCodePrompt_AcceptsSixDigits(t *testing.T) {
	m := feed(NewCodePrompt("code"),
		runes("12a3"),
		runes("4567"),
		tea.KeyMsg{Type: tea.KeyBackspace},
		runes("9"),
		tea.KeyMsg{Type: tea.KeyEnter},
	).(CodeModel)

	code, ok := m.Code()
	assert.True(t, ok)
	assert.Equal(t, "123459", code)
	assert.Empty(t, m.View())
}

func TestCodePrompt_EnterIgnoredUntilComplete(t *testing.T) {
	m := feed(NewCodePrompt("code"), runes("123"), tea.KeyMsg{Type: tea.KeyEnter}).(CodeModel)

	_, ok := m.Code()
	assert.False(t, ok)
	assert.Contains(t, m.View(), "code")
}

func TestCodePrompt_Esc(t *testing.T) {
	m := feed(NewCodePrompt("code"), runes("123456"), tea.KeyMsg{Type: tea.KeyEsc}).(CodeModel)

	_, ok := m.Code()
	assert.False(t, ok)
}

func TestConfirm(t *testing.T) {
	yes := feed(NewConfirm("sure?"), tea.KeyMsg{Type: tea.KeyEnter}).(ConfirmModel)
	assert.True(t, yes.Confirmed())

	no := feed(NewConfirm("sure?", WithDefaultNo()), tea.KeyMsg{Type: tea.KeyEnter}).(ConfirmModel)
	assert.False(t, no.Confirmed())

	toggled := feed(NewConfirm("sure?", WithDefaultNo()), tea.KeyMsg{Type: tea.KeyTab}, tea.KeyMsg{Type: tea.KeyEnter}).(ConfirmModel)
	assert.True(t, toggled.Confirmed())

	aborted := feed(NewConfirm("sure?"), runes("q")).(ConfirmModel)
	assert.True(t, aborted.Aborted())
	assert.False(t, aborted.Confirmed())

	assert.Contains(t, NewConfirm("sure?", WithDescription("details")).View(), "Yes")
}

func TestReadLine(t *testing.T) {
	var out strings.Builder
	r := bufio.NewReader(strings.NewReader("  a@x.com \nlast"))

	line, err := ReadLine(r, &out, "Email")
	assert.NoError(t, err)
	assert.Equal(t, "a@x.com", line)
	assert.Equal(t, "Email: ", out.String())

	line, err = ReadLine(r, &out, "Code")
	assert.NoError(t, err)
	assert.Equal(t, "last", line)

	_, err = ReadLine(r, &out, "More")
	assert.ErrorIs(t, err, io.EOF)
}
