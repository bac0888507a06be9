package tui

// TUI package provides interactive terminal UI components:
//   - Arrow-key menu selection
//   - Interactive prompts
//   - First-run config wizard

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

// =============================================================================
// COLORS
// =============================================================================

const (
	ColorReset  = "\033[0m"
	ColorBold   = "\033[1m"
	ColorDim    = "\033[2m"
	ColorGreen  = "\033[0;32m"
	ColorBlue   = "\033[0;34m"
	ColorCyan   = "\033[0;36m"
	ColorYellow = "\033[1;33m"
	ColorRed    = "\033[0;31m"
)

// =============================================================================
// PRINT FUNCTIONS
// =============================================================================

// PrintBanner displays the modelgate ASCII banner.
func PrintBanner() {
	fmt.Printf("%s%s", ColorCyan, ColorBold)
	fmt.Println(`
 ███╗   ███╗ ██████╗ ██████╗ ███████╗██╗      ██████╗  █████╗ ████████╗███████╗
 ████╗ ████║██╔═══██╗██╔══██╗██╔════╝██║     ██╔════╝ ██╔══██╗╚══██╔══╝██╔════╝
 ██╔████╔██║██║   ██║██║  ██║█████╗  ██║     ██║  ███╗███████║   ██║   █████╗
 ██║╚██╔╝██║██║   ██║██║  ██║██╔══╝  ██║     ██║   ██║██╔══██║   ██║   ██╔══╝
 ██║ ╚═╝ ██║╚██████╔╝██████╔╝███████╗███████╗╚██████╔╝██║  ██║   ██║   ███████╗
 ╚═╝     ╚═╝ ╚═════╝ ╚═════╝ ╚══════╝╚══════╝ ╚═════╝ ╚═╝  ╚═╝   ╚═╝   ╚══════╝`)
	fmt.Print(ColorReset)
}

// PrintHeader prints a styled section header.
func PrintHeader(title string) {
	fmt.Printf("\n%s%s========================================%s\n", ColorBold, ColorCyan, ColorReset)
	fmt.Printf("%s%s       %s%s\n", ColorBold, ColorCyan, title, ColorReset)
	fmt.Printf("%s%s========================================%s\n\n", ColorBold, ColorCyan, ColorReset)
}

// PrintSuccess prints a success message with green [OK] prefix.
func PrintSuccess(msg string) {
	fmt.Printf("%s[OK]%s %s\n", ColorGreen, ColorReset, msg)
}

// PrintInfo prints an info message with blue [INFO] prefix.
func PrintInfo(msg string) {
	fmt.Printf("%s[INFO]%s %s\n", ColorBlue, ColorReset, msg)
}

// PrintWarn prints a warning message with yellow [WARN] prefix.
func PrintWarn(msg string) {
	fmt.Printf("%s[WARN]%s %s\n", ColorYellow, ColorReset, msg)
}

// PrintError prints an error message with red [ERROR] prefix.
func PrintError(msg string) {
	fmt.Printf("%s[ERROR]%s %s\n", ColorRed, ColorReset, msg)
}

// PrintStep prints a step/action message with cyan >>> prefix.
func PrintStep(msg string) {
	fmt.Printf("%s>>>%s %s\n", ColorCyan, ColorReset, msg)
}

// =============================================================================
// MENU SELECTION
// =============================================================================

// MenuItem represents an item in a menu.
type MenuItem struct {
	Label       string // Display label
	Description string // Optional description
	Value       string // Return value (if different from label)
}

// SelectMenu displays an interactive arrow-key menu and returns the selected
// index. Returns -1 and error if cancelled.
func SelectMenu(prompt string, items []MenuItem) (int, error) {
	if len(items) == 0 {
		return -1, fmt.Errorf("no items to select")
	}

	// Numbered fallback when stdin is not a TTY or raw mode fails.
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return selectNumberedMenu(prompt, items)
	}
	oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
	if err != nil {
		return selectNumberedMenu(prompt, items)
	}
	defer term.Restore(int(os.Stdin.Fd()), oldState)

	selected := 0
	reader := bufio.NewReader(os.Stdin)
	totalLines := 3 + len(items) + 2 // prompt + blank + items + blank + help

	fmt.Print("\033[?25l")       // Hide cursor
	defer fmt.Print("\033[?25h") // Show cursor on exit

	firstRender := true
	renderMenu := func() {
		if !firstRender {
			fmt.Printf("\033[%dA", totalLines)
		}
		firstRender = false

		fmt.Print("\033[2K")
		fmt.Printf("\r\n%s%s%s%s\n\n", ColorBold, ColorCyan, prompt, ColorReset)
		for i, item := range items {
			fmt.Print("\033[2K")
			if i == selected {
				fmt.Printf("\r  %s❯%s %s%s%s", ColorGreen, ColorReset, ColorBold, item.Label, ColorReset)
			} else {
				fmt.Printf("\r    %s", item.Label)
			}
			if item.Description != "" {
				fmt.Printf(" %s- %s%s", ColorDim, item.Description, ColorReset)
			}
			fmt.Print("\n")
		}
		fmt.Print("\033[2K")
		fmt.Printf("\r\n  %s[↑/↓] Navigate  [Enter] Select  [q/Esc] Cancel%s\n", ColorDim, ColorReset)
	}

	clearMenu := func() {
		fmt.Printf("\033[%dA", totalLines)
		for i := 0; i < totalLines; i++ {
			fmt.Print("\033[2K\n")
		}
		fmt.Printf("\033[%dA", totalLines)
	}

	renderMenu()

	for {
		b, err := reader.ReadByte()
		if err != nil {
			return -1, err
		}

		switch b {
		case 27: // Escape or escape sequence
			next, _ := reader.ReadByte()
			if next == '[' {
				arrow, _ := reader.ReadByte()
				switch arrow {
				case 'A':
					if selected > 0 {
						selected--
					}
				case 'B':
					if selected < len(items)-1 {
						selected++
					}
				}
				renderMenu()
				continue
			}
			clearMenu()
			return -1, fmt.Errorf("cancelled")
		case 'q':
			clearMenu()
			return -1, fmt.Errorf("cancelled")
		case 'k': // vim-style up
			if selected > 0 {
				selected--
			}
			renderMenu()
		case 'j': // vim-style down
			if selected < len(items)-1 {
				selected++
			}
			renderMenu()
		case 13: // Enter
			clearMenu()
			return selected, nil
		}
	}
}

// selectNumberedMenu is a fallback for non-interactive terminals.
func selectNumberedMenu(prompt string, items []MenuItem) (int, error) {
	fmt.Printf("\n%s%s%s%s\n\n", ColorBold, ColorCyan, prompt, ColorReset)

	for i, item := range items {
		fmt.Printf("  %s[%d]%s %s", ColorGreen, i+1, ColorReset, item.Label)
		if item.Description != "" {
			fmt.Printf(" %s- %s%s", ColorDim, item.Description, ColorReset)
		}
		fmt.Println()
	}
	fmt.Printf("  %s[0]%s Cancel\n\n", ColorYellow, ColorReset)

	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("Enter number: ")
		input, _ := reader.ReadString('\n')
		input = strings.TrimSpace(input)

		if input == "0" || input == "q" {
			return -1, fmt.Errorf("cancelled")
		}

		var num int
		if _, err := fmt.Sscanf(input, "%d", &num); err == nil {
			if num >= 1 && num <= len(items) {
				return num - 1, nil
			}
		}
		fmt.Printf("Invalid choice. Enter 1-%d or 0 to cancel.\n", len(items))
	}
}

// =============================================================================
// PROMPTS
// =============================================================================

// PromptString prompts for a string input. Returns the default if empty.
func PromptString(prompt, defaultValue string) string {
	if defaultValue != "" {
		fmt.Printf("%s %s[%s]%s: ", prompt, ColorDim, defaultValue, ColorReset)
	} else {
		fmt.Printf("%s: ", prompt)
	}
	reader := bufio.NewReader(os.Stdin)
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultValue
	}
	return input
}

// PromptYesNo prompts for a yes/no response. Returns the default if empty.
func PromptYesNo(prompt string, defaultYes bool) bool {
	suffix := " [y/N]: "
	if defaultYes {
		suffix = " [Y/n]: "
	}
	fmt.Print(prompt + suffix)

	reader := bufio.NewReader(os.Stdin)
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(strings.ToLower(input))

	if input == "" {
		return defaultYes
	}
	return input == "y" || input == "yes"
}
