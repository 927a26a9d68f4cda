package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/shlex"
	"github.com/spf13/cobra"

	"motionctl/host/axis"
	"motionctl/host/mcu"
)

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Interactive axis shell",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		sh := &shell{bank: s.bank, out: cmd.OutOrStdout()}
		return sh.run(cmd.InOrStdin(), true)
	},
}

func init() {
	rootCmd.AddCommand(shellCmd)
}

var errQuit = errors.New("quit")

// shell runs text commands against an axis bank
type shell struct {
	bank *axis.Bank
	out  io.Writer
}

func (sh *shell) run(in io.Reader, prompt bool) error {
	scanner := bufio.NewScanner(in)
	for {
		if prompt {
			fmt.Fprint(sh.out, "> ")
		}
		if !scanner.Scan() {
			return scanner.Err()
		}
		err := sh.exec(scanner.Text())
		if errors.Is(err, errQuit) {
			return nil
		}
		if err != nil {
			fmt.Fprintf(sh.out, "error: %v\n", err)
		}
	}
}

// exec runs one command line
func (sh *shell) exec(line string) error {
	args, err := shlex.Split(line)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		return nil
	}

	switch cmd := args[0]; cmd {
	case "quit", "exit", "q":
		return errQuit
	case "help", "?":
		sh.help()
		return nil
	case "axes":
		for _, id := range sh.bank.IDs() {
			c, _ := sh.bank.Axis(id)
			a := c.Config()
			fmt.Fprintf(sh.out, "%d  %-8s  bounds [%d, %d]  %s\n", id, a.Label(), a.MinLimit, a.MaxLimit,
				formatPosition(c.Status()))
		}
		return nil
	case "debug":
		if len(args) != 2 || (args[1] != "on" && args[1] != "off") {
			return fmt.Errorf("usage: debug on|off")
		}
		return sh.bank.SetDebug(args[1] == "on")
	case "raw":
		if len(args) != 2 {
			return fmt.Errorf("usage: raw '<json>'")
		}
		return sh.bank.MCU().SendLine([]byte(args[1]))
	case "firmware":
		fb := sh.bank.MCU().Feedback()
		n, last := fb.LegacyAcks()
		fmt.Fprintf(sh.out, "version %q  connected %v  last error %q  legacy acks %d (%q)\n",
			fb.FirmwareVersion(), sh.bank.MCU().Connected(), fb.LastError(), n, last)
		return nil
	}

	if len(args) < 2 {
		return fmt.Errorf("unknown command %q (type 'help')", args[0])
	}
	id, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("bad axis %q", args[1])
	}
	c, err := sh.bank.Axis(id)
	if err != nil {
		return err
	}
	return sh.axisCommand(c, args[0], args[2:])
}

func (sh *shell) axisCommand(c *axis.Controller, cmd string, args []string) error {
	var (
		p   axis.Position
		err error
	)
	switch cmd {
	case "init":
		if err := c.Init(); err != nil {
			return err
		}
		fmt.Fprintln(sh.out, "init sent")
		return nil
	case "jog":
		steps := c.Config().JogStepSize
		if len(args) > 0 {
			if steps, err = parseInt(args[0]); err != nil {
				return err
			}
		}
		p, err = c.Jog(steps)
	case "move":
		if len(args) != 1 {
			return fmt.Errorf("usage: move <axis> <target>")
		}
		target, perr := parseInt(args[0])
		if perr != nil {
			return perr
		}
		p, err = c.MoveTo(target)
	case "index":
		n := int64(1)
		if len(args) > 0 {
			if n, err = parseInt(args[0]); err != nil {
				return err
			}
		}
		p, err = c.Index(n)
	case "home":
		p, err = c.Home()
	case "pause":
		p, err = c.Pause()
	case "resume":
		p, err = c.Resume()
	case "stop":
		p, err = c.Stop()
	case "enable":
		if err := c.Enable(); err != nil {
			return err
		}
		p = c.Status()
	case "disable":
		p, err = c.Disable()
	case "speed":
		if len(args) != 1 {
			fmt.Fprintf(sh.out, "speed %d\n", c.Speed())
			return nil
		}
		v, perr := parseInt(args[0])
		if perr != nil {
			return perr
		}
		if err := c.SetSpeed(int(v)); err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "speed %d\n", c.Speed())
		return nil
	case "pins":
		p, err = c.GetPinStates()
	case "refresh":
		err = c.Refresh()
		p = c.Status()
	case "pos", "status":
		p = c.GetPosition()
	default:
		return fmt.Errorf("unknown command %q (type 'help')", cmd)
	}

	if err != nil {
		if mcu.IsRetryable(err) {
			return fmt.Errorf("%w (retry)", err)
		}
		return err
	}
	fmt.Fprintln(sh.out, formatPosition(p))
	return nil
}

func (sh *shell) help() {
	fmt.Fprint(sh.out, `
Available commands:
  axes                   - List configured axes
  init <axis>            - Re-send the axis configuration
  jog <axis> [steps]     - Move relative, clamped to the travel bounds
  move <axis> <target>   - Move to an absolute position
  index <axis> [n]       - Move n index positions
  home <axis>            - Run the homing cycle
  pause|resume|stop <axis>
  enable|disable <axis>  - Allow or refuse moves (disable stops the axis)
  speed <axis> [steps/s] - Show or set the move and index speed
  pos <axis>             - Last known position
  pins <axis>            - Query limit and home switches
  refresh <axis>         - Query the axis status
  debug on|off           - Toggle firmware debug lines
  raw '<json>'           - Send a raw command line
  firmware               - Firmware version and link state
  quit/exit/q            - Exit the program

`)
}

func parseInt(s string) (int64, error) {
	v, err := strconv.ParseInt(strings.TrimPrefix(s, "+"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad number %q", s)
	}
	return v, nil
}

func formatPosition(p axis.Position) string {
	var b strings.Builder
	fmt.Fprintf(&b, "pos %d", p.Steps)
	if p.Moving || p.Paused {
		fmt.Fprintf(&b, " -> %d", p.Target)
	}
	var flags []string
	if !p.Confirmed {
		flags = append(flags, "unconfirmed")
	}
	if p.Stale {
		flags = append(flags, "stale")
	}
	if p.Moving {
		flags = append(flags, "moving")
	}
	if p.Paused {
		flags = append(flags, "paused")
	}
	if p.Homing {
		flags = append(flags, "homing")
	}
	if p.Homed {
		flags = append(flags, "homed")
	}
	if p.Limits.A {
		flags = append(flags, "limit_a")
	}
	if p.Limits.B {
		flags = append(flags, "limit_b")
	}
	if p.Limits.Home {
		flags = append(flags, "home")
	}
	if len(flags) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(flags, " "))
	}
	if p.LastError != "" {
		fmt.Fprintf(&b, " error=%s", p.LastError)
	}
	return b.String()
}
