package interactive

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/superfly/restored"
)

// ReattachPrompter implements transition.OperatorPrompter by running a
// small bubbletea program that blocks until the operator presses enter,
// confirming the device has been physically detached and reattached (spec
// §4.6, §9 Open Question (c)).
type ReattachPrompter struct{}

type reattachModel struct {
	styles    *Styles
	confirmed bool
}

func (m reattachModel) Init() tea.Cmd { return nil }

func (m reattachModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.String() {
		case "enter":
			m.confirmed = true
			return m, tea.Quit
		case "ctrl+c", "q":
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m reattachModel) View() string {
	return m.styles.Box.Render(
		m.styles.Title.Render("reattach required") + "\n" +
			"Disconnect the device, then reconnect it, then press enter.\n" +
			m.styles.Muted.Render("(ctrl+c to abort the restore)"),
	)
}

// PromptReattach blocks until the operator confirms, or returns an error if
// the prompt is aborted.
func (ReattachPrompter) PromptReattach(ctx context.Context) error {
	m := reattachModel{styles: DefaultStyles()}
	p := tea.NewProgram(m)

	result := make(chan error, 1)
	go func() {
		final, err := p.Run()
		if err != nil {
			result <- restored.NewError("interactive.prompt_reattach", restored.KindTransportIO, "", err)
			return
		}
		rm, ok := final.(reattachModel)
		if !ok || !rm.confirmed {
			result <- restored.NewError("interactive.prompt_reattach", restored.KindTransportIO, "", fmt.Errorf("operator aborted reattach prompt"))
			return
		}
		result <- nil
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return restored.NewError("interactive.prompt_reattach", restored.KindTransportIO, "", ctx.Err())
	case err := <-result:
		return err
	}
}
