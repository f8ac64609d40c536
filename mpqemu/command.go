// Package mpqemu implements the wire format of the QEMU multi-process
// remote device link (include/hw/remote/mpqemu-link.h).
//
// Every record has a fixed size and an explicit field layout. Records are
// encoded field by field with a declared byte order; nothing relies on the
// in-memory layout of Go structs.
package mpqemu

import "fmt"

// Command is the command ordinal carried in every frame header.
type Command int32

const (
	CmdSyncSysmem  Command = 0
	CmdRet         Command = 1
	CmdPciCfgWrite Command = 2
	CmdPciCfgRead  Command = 3
	CmdBarWrite    Command = 4
	CmdBarRead     Command = 5
	CmdSetIRQFD    Command = 6
	CmdDeviceReset Command = 7

	cmdMax = CmdDeviceReset
)

var commandNames = [...]string{
	CmdSyncSysmem:  "SYNC_SYSMEM",
	CmdRet:         "RET",
	CmdPciCfgWrite: "PCI_CFGWRITE",
	CmdPciCfgRead:  "PCI_CFGREAD",
	CmdBarWrite:    "BAR_WRITE",
	CmdBarRead:     "BAR_READ",
	CmdSetIRQFD:    "SET_IRQFD",
	CmdDeviceReset: "DEVICE_RESET",
}

func (c Command) String() string {
	if c < 0 || c > cmdMax {
		return fmt.Sprintf("Command(%d)", int32(c))
	}

	return commandNames[c]
}

// UnknownCommandError reports an ordinal outside the command set.
type UnknownCommandError struct {
	Ordinal int32
}

func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("%v: %d", ErrUnknownCommand, e.Ordinal)
}

func (e *UnknownCommandError) Unwrap() error {
	return ErrUnknownCommand
}

// ParseCommand maps a raw ordinal to a Command. It never falls back to a
// default value.
func ParseCommand(ordinal int32) (Command, error) {
	c := Command(ordinal)
	if c < 0 || c > cmdMax {
		return 0, &UnknownCommandError{Ordinal: ordinal}
	}

	return c, nil
}
