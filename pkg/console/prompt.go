package console

import "github.com/charmbracelet/huh"

// PromptText shows an interactive single-line text prompt using Bubble Tea
// (huh), returning whatever the user entered. description may be empty.
func PromptText(title, description string) (string, error) {
	var value string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title(title).
				Description(description).
				Value(&value),
		),
	).WithAccessible(isAccessibleMode())

	if err := form.Run(); err != nil {
		return "", err
	}

	return value, nil
}
