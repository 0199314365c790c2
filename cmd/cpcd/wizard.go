package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/wireco/cpcd/internal/config"
	"github.com/wireco/cpcd/internal/security"
)

// wizard drives the interactive `cpcd init` provisioning flow: instance
// name, bus selection, device path, and whether to turn on the security
// layer, ending with a written config file and (if security was selected) a
// freshly generated binding key.
type wizard struct {
	theme *huh.Theme
}

func newWizard() *wizard {
	return &wizard{theme: huh.ThemeDracula()}
}

func (w *wizard) run() (*config.Config, string, error) {
	w.printBanner()

	cfg := config.Default()
	configPath := "./cpcd.yaml"

	if err := w.askInstance(cfg, &configPath); err != nil {
		return nil, "", err
	}
	if err := w.askBus(cfg); err != nil {
		return nil, "", err
	}
	if err := w.askSecurity(cfg); err != nil {
		return nil, "", err
	}

	if err := w.writeConfig(cfg, configPath); err != nil {
		return nil, "", err
	}

	if cfg.Security.Enabled {
		if _, created, err := security.LoadOrCreateBindingKey(cfg.Instance.DataDir); err != nil {
			return nil, "", fmt.Errorf("failed to provision binding key: %w", err)
		} else if created {
			fmt.Printf("  Binding key:  generated in %s\n", cfg.Instance.DataDir)
		}
	}

	w.printSummary(configPath, cfg)
	return cfg, configPath, nil
}

func (w *wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
   ___ ___ ___ ___
  / __| _ \ __|   \
 | (__|  _/ _|| |) |
  \___|_| |___|___/
`)
	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  Co-Processor Communication daemon - Setup Wizard\n")
	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *wizard) askInstance(cfg *config.Config, configPath *string) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Instance").
				Description("Name this daemon instance and pick where it keeps state."),

			huh.NewInput().
				Title("Instance Name").
				Description("Used to derive the socket folder, e.g. /run/cpcd/<name>").
				Placeholder(cfg.Instance.Name).
				Value(&cfg.Instance.Name).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("instance name is required")
					}
					return nil
				}),

			huh.NewInput().
				Title("Data Directory").
				Description("Where the binding key and other persistent state live").
				Placeholder(cfg.Instance.DataDir).
				Value(&cfg.Instance.DataDir),

			huh.NewInput().
				Title("Config File Path").
				Placeholder(*configPath).
				Value(configPath).
				Validate(func(s string) error {
					if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
						return fmt.Errorf("config file should have a .yaml or .yml extension")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *wizard) askBus(cfg *config.Config) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Physical Link").
				Description("Select the bus connecting to the secondary."),

			huh.NewSelect[string]().
				Title("Bus Type").
				Options(
					huh.NewOption("UART", "uart"),
					huh.NewOption("SPI", "spi"),
				).
				Value(&cfg.Bus.Type),
		),
	).WithTheme(w.theme)
	if err := form.Run(); err != nil {
		return err
	}

	switch cfg.Bus.Type {
	case "uart":
		return w.askUART(cfg)
	case "spi":
		return w.askSPI(cfg)
	default:
		return fmt.Errorf("unknown bus type %q", cfg.Bus.Type)
	}
}

func (w *wizard) askUART(cfg *config.Config) error {
	baud := strconv.Itoa(cfg.Bus.UART.BaudRate)
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("UART Device").
				Placeholder(cfg.Bus.UART.Device).
				Value(&cfg.Bus.UART.Device).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("device path is required")
					}
					return nil
				}),

			huh.NewInput().
				Title("Baud Rate").
				Placeholder(baud).
				Value(&baud).
				Validate(func(s string) error {
					if _, err := strconv.Atoi(s); err != nil {
						return fmt.Errorf("baud rate must be a number")
					}
					return nil
				}),

			huh.NewConfirm().
				Title("Hardware Flow Control").
				Value(&cfg.Bus.UART.HardwareFlow),
		),
	).WithTheme(w.theme)
	if err := form.Run(); err != nil {
		return err
	}
	rate, err := strconv.Atoi(baud)
	if err != nil {
		return err
	}
	cfg.Bus.UART.BaudRate = rate
	return nil
}

func (w *wizard) askSPI(cfg *config.Config) error {
	irqPin := strconv.Itoa(cfg.Bus.SPI.IRQPin)
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("SPI Device").
				Placeholder(cfg.Bus.SPI.Device).
				Value(&cfg.Bus.SPI.Device).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("device path is required")
					}
					return nil
				}),

			huh.NewInput().
				Title("IRQ Chip").
				Placeholder(cfg.Bus.SPI.IRQChip).
				Value(&cfg.Bus.SPI.IRQChip).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("irq chip is required")
					}
					return nil
				}),

			huh.NewInput().
				Title("IRQ Pin").
				Placeholder(irqPin).
				Value(&irqPin).
				Validate(func(s string) error {
					if _, err := strconv.Atoi(s); err != nil {
						return fmt.Errorf("irq pin must be a number")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)
	if err := form.Run(); err != nil {
		return err
	}
	pin, err := strconv.Atoi(irqPin)
	if err != nil {
		return err
	}
	cfg.Bus.SPI.IRQPin = pin
	return nil
}

func (w *wizard) askSecurity(cfg *config.Config) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Enable Encryption").
				Description("Authenticated encryption (X25519 + ChaCha20-Poly1305) for every data endpoint").
				Value(&cfg.Security.Enabled),
		),
	).WithTheme(w.theme)
	return form.Run()
}

func (w *wizard) writeConfig(cfg *config.Config, path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := "# cpcd configuration\n# generated by `cpcd init`\n\n"
	if err := os.WriteFile(path, []byte(header+string(data)), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (w *wizard) printSummary(configPath string, cfg *config.Config) {
	style := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	divider := lipgloss.NewStyle().Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("Setup complete"))
	fmt.Println(divider)
	fmt.Println()
	fmt.Printf("  Instance:     %s\n", cfg.Instance.Name)
	fmt.Printf("  Config file:  %s\n", configPath)
	fmt.Printf("  Bus:          %s\n", cfg.Bus.Type)
	fmt.Printf("  Encryption:   %v\n", cfg.Security.Enabled)
	fmt.Println()
	fmt.Println("  To start the daemon:")
	fmt.Printf("    cpcd run -c %s\n", configPath)
	fmt.Println()
}
