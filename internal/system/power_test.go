package system

import (
	"context"
	"testing"

	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/command"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/command/commandtest"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/fault"
	"github.com/rs/zerolog"
)

func newPower(t *testing.T, fake *commandtest.Fake) *Power {
	t.Helper()
	reboot, err := command.Parse("sudo reboot")
	if err != nil {
		t.Fatalf("parse reboot: %v", err)
	}
	shutdown, err := command.Parse("sudo shutdown -h now")
	if err != nil {
		t.Fatalf("parse shutdown: %v", err)
	}
	p, err := NewPower(zerolog.Nop(), fake, reboot, shutdown)
	if err != nil {
		t.Fatalf("new power: %v", err)
	}
	return p
}

func TestPowerRunsConfiguredCommands(t *testing.T) {
	fake := commandtest.New()
	fake.Strict = true
	fake.Reply("sudo reboot", "").Reply("sudo shutdown -h now", "")
	p := newPower(t, fake)

	if err := p.Reboot(context.Background()); err != nil {
		t.Fatalf("reboot: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	argvs := fake.Argvs()
	if len(argvs) != 2 || argvs[0] != "sudo reboot" || argvs[1] != "sudo shutdown -h now" {
		t.Fatalf("unexpected commands %v", argvs)
	}
}

func TestPowerSurfacesCommandFailure(t *testing.T) {
	fake := commandtest.New().Fail("sudo reboot", 1, "sudo: a password is required")
	p := newPower(t, fake)

	err := p.Reboot(context.Background())
	if !fault.Is(err, fault.ExternalCommand) {
		t.Fatalf("expected external command fault, got %v", err)
	}
	if out := fault.OutputOf(err); out != "sudo: a password is required" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestNewPowerRequiresCommands(t *testing.T) {
	if _, err := NewPower(zerolog.Nop(), commandtest.New(), command.Command{}, command.New("halt")); err == nil {
		t.Fatalf("expected error for empty reboot command")
	}
	if _, err := NewPower(zerolog.Nop(), nil, command.New("reboot"), command.New("halt")); err == nil {
		t.Fatalf("expected error for missing executor")
	}
}
