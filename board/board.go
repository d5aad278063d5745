package board

// Board describes what the PCB/SoC can do (controllers present, GPIO range)
// and the recommended wiring for storage peripherals where the board has a
// fixed slot or footprint.
type Board struct {
	Name             string
	GPIOMin, GPIOMax int

	// Controllers present (identities only).
	SDHC []ResourceID
	SPI  []ResourceID

	Defaults struct {
		SD   SDPins
		QSPI QSPIPins
	}
}

// SDPins is the default wiring of an SD/MMC slot.
type SDPins struct {
	Controller   ResourceID
	CMD, CLK     PinID
	Data         [8]PinID
	CardDetect   PinID
	WriteProtect PinID
	PowerEnable  PinID
	IOVoltSel    PinID
	LED          PinID
	EMMCReset    PinID
}

// QSPIPins is the default wiring of a serial NOR footprint.
type QSPIPins struct {
	Bus  ResourceID
	IO   [8]PinID
	SCLK PinID
	CS   PinID
}

// NoSDPins is an SD slot with nothing connected.
func NoSDPins() SDPins {
	return SDPins{
		CMD: NoPin, CLK: NoPin, Data: NoPins8(),
		CardDetect: NoPin, WriteProtect: NoPin, PowerEnable: NoPin,
		IOVoltSel: NoPin, LED: NoPin, EMMCReset: NoPin,
	}
}

// NoQSPIPins is a flash footprint with nothing connected.
func NoQSPIPins() QSPIPins {
	return QSPIPins{IO: NoPins8(), SCLK: NoPin, CS: NoPin}
}

func NoPins8() [8]PinID {
	return [8]PinID{NoPin, NoPin, NoPin, NoPin, NoPin, NoPin, NoPin, NoPin}
}

// HasGPIO reports whether n is inside the board's GPIO range.
func (b *Board) HasGPIO(n PinID) bool {
	return int(n) >= b.GPIOMin && int(n) <= b.GPIOMax
}

// HasController reports whether id names an SD host or SPI controller on b.
func (b *Board) HasController(id ResourceID) bool {
	for _, c := range b.SDHC {
		if c == id {
			return true
		}
	}
	for _, c := range b.SPI {
		if c == id {
			return true
		}
	}
	return false
}

// Sim is the host simulation board used by tests and blkctl.
var Sim = func() *Board {
	b := &Board{
		Name:    "sim",
		GPIOMin: 0, GPIOMax: 63,
		SDHC: []ResourceID{"sdhc0", "sdhc1"},
		SPI:  []ResourceID{"spi0", "spi1"},
	}
	b.Defaults.SD = SDPins{
		Controller: "sdhc0",
		CMD:        1, CLK: 2,
		Data:       [8]PinID{3, 4, 5, 6, NoPin, NoPin, NoPin, NoPin},
		CardDetect: 7, WriteProtect: 8,
		PowerEnable: NoPin, IOVoltSel: NoPin, LED: 9, EMMCReset: NoPin,
	}
	b.Defaults.QSPI = QSPIPins{
		Bus:  "spi0",
		IO:   [8]PinID{20, 21, 22, 23, NoPin, NoPin, NoPin, NoPin},
		SCLK: 24,
		CS:   25,
	}
	return b
}()

// RPi4 is a Raspberry Pi 4 header: SPI0 on the BCM default pins and the
// secondary SD host (sdhost) on its ALT0 bank.
var RPi4 = func() *Board {
	b := &Board{
		Name:    "rpi4",
		GPIOMin: 0, GPIOMax: 27,
		SDHC: []ResourceID{"sdhost"},
		SPI:  []ResourceID{"spi0"},
	}
	b.Defaults.SD = SDPins{
		Controller: "sdhost",
		CLK:        22, CMD: 23,
		Data:       [8]PinID{24, 25, 26, 27, NoPin, NoPin, NoPin, NoPin},
		CardDetect: NoPin, WriteProtect: NoPin,
		PowerEnable: NoPin, IOVoltSel: NoPin, LED: NoPin, EMMCReset: NoPin,
	}
	// MOSI, MISO on IO0/IO1; WP#/HOLD# not routed.
	b.Defaults.QSPI = QSPIPins{
		Bus:  "spi0",
		IO:   [8]PinID{10, 9, NoPin, NoPin, NoPin, NoPin, NoPin, NoPin},
		SCLK: 11,
		CS:   8,
	}
	return b
}()

// Lookup finds a built-in board descriptor by name.
func Lookup(name string) (*Board, bool) {
	switch name {
	case Sim.Name:
		return Sim, true
	case RPi4.Name:
		return RPi4, true
	}
	return nil, false
}
