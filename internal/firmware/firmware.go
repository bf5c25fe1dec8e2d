// Package firmware drives the vendor bootloader handshake and the
// page/CRC update state machine (spec §4.D). It acts only on inbound
// bootloader frames while in a non-Idle state.
package firmware

import (
	"io"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/oi-gateway/canbridge/internal/canbus"
	"github.com/oi-gateway/canbridge/internal/crc"
	"github.com/oi-gateway/canbridge/internal/gwerr"
)

// State is the firmware updater's tagged-union state.
type State uint8

const (
	StateIdle State = iota
	StateSendMagic
	StateSendSize
	StateSendPage
	StateCheckCrc
	StateRequestJson
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSendMagic:
		return "send-magic"
	case StateSendSize:
		return "send-size"
	case StateSendPage:
		return "send-page"
	case StateCheckCrc:
		return "check-crc"
	case StateRequestJson:
		return "request-json"
	default:
		return "unknown"
	}
}

const pageSize = 1024

// maxPageCrcRetries bounds how many times a single page may be resent after
// the device reports a CRC mismatch ('E') before the update is abandoned.
const maxPageCrcRetries = 5

// maxRequestJsonRetries bounds the retry loop waiting for the device to
// reboot and reappear after CheckCrc -> 'D' (spec §9 Open Question: the
// original firmware retried unbounded; we bound it and surface a failure).
const maxRequestJsonRetries = 50

// Updater owns the page/CRC state machine. File access is abstracted
// behind io.ReaderAt so callers can supply an *os.File or an in-memory
// buffer in tests.
type Updater struct {
	log *log.Entry
	io  *canbus.IO

	state       State
	file        io.ReaderAt
	fileSize    int64
	currentByte int64
	currentPage int
	totalPages  int
	runningCRC  uint32
	pageRetries int

	requestJsonRetries int

	onProgress   func(page, total int)
	onCompletion func(ok bool, err error)
}

func New(busIO *canbus.IO, logger *log.Entry) *Updater {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Updater{io: busIO, log: logger.WithField("component", "firmware"), state: StateIdle}
}

func (u *Updater) OnProgress(f func(page, total int))      { u.onProgress = f }
func (u *Updater) OnCompletion(f func(ok bool, err error)) { u.onCompletion = f }
func (u *Updater) State() State                            { return u.state }
func (u *Updater) Progress() (page, total int)             { return u.currentPage, u.totalPages }

// Begin starts an update for a file of fileSize bytes, transitioning to
// SendMagic. Callers are expected to have already issued the device
// "reset" command and waited ~500ms before calling Begin (spec §4.D).
func (u *Updater) Begin(file io.ReaderAt, fileSize int64) {
	u.file = file
	u.fileSize = fileSize
	u.currentByte = 0
	u.currentPage = 0
	u.totalPages = int((fileSize + pageSize - 1) / pageSize)
	u.runningCRC = crc.STM32Init
	u.requestJsonRetries = 0
	u.pageRetries = 0
	u.state = StateSendMagic
}

func (u *Updater) Active() bool { return u.state != StateIdle }

// Handle processes one inbound bootloader frame (id 0x7DE). It is wired as
// the canbus.IO bootloader hook.
func (u *Updater) Handle(frame canbus.Frame) {
	if u.state == StateIdle {
		return
	}
	trigger := frame.Data[0]
	switch u.state {
	case StateSendMagic:
		u.handleSendMagic(frame, trigger)
	case StateSendSize:
		u.handleSendSize(trigger)
	case StateSendPage:
		u.handleSendPage(trigger)
	case StateCheckCrc:
		u.handleCheckCrc(trigger)
	}
}

func (u *Updater) send(data ...byte) {
	_ = u.io.TxSubmit(canbus.NewFrame(canbus.BootloaderCmd, data...), 100*time.Millisecond)
}

func (u *Updater) handleSendMagic(frame canbus.Frame, trigger byte) {
	if trigger != 0x33 {
		return
	}
	u.send(frame.Data[:frame.DLC]...)
	if frame.DLC > 1 && frame.Data[1] < 1 {
		time.Sleep(100 * time.Millisecond) // quirky bootloader needs settling time
	}
	u.state = StateSendSize
}

func (u *Updater) handleSendSize(trigger byte) {
	if trigger != 'S' {
		return
	}
	u.send(byte(u.totalPages))
	u.runningCRC = crc.STM32Init
	u.state = StateSendPage
}

func (u *Updater) handleSendPage(trigger byte) {
	switch trigger {
	case 'P':
		u.sendPageBytes()
	case 'C':
		var crcBytes [4]byte
		crcBytes[0] = byte(u.runningCRC)
		crcBytes[1] = byte(u.runningCRC >> 8)
		crcBytes[2] = byte(u.runningCRC >> 16)
		crcBytes[3] = byte(u.runningCRC >> 24)
		u.send(crcBytes[:]...)
		u.state = StateCheckCrc
	case 'D':
		// The device sends 'D' once it has accepted the final page's CRC
		// and moved on; handleCheckCrc's 'P' case already advanced us back
		// to SendPage by the time this arrives, so 'D' must be handled here
		// too, not only in CheckCrc.
		u.state = StateRequestJson
	}
}

func (u *Updater) sendPageBytes() {
	var buf [8]byte
	n, _ := u.file.ReadAt(buf[:], u.currentByte)
	for i := n; i < 8; i++ {
		buf[i] = 0xFF // pad past EOF
	}
	u.currentByte += 8

	word0 := leWord(buf[0:4])
	word1 := leWord(buf[4:8])
	u.runningCRC = crc.STM32Word(u.runningCRC, word0)
	u.runningCRC = crc.STM32Word(u.runningCRC, word1)

	u.send(buf[:]...)
}

func leWord(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func (u *Updater) handleCheckCrc(trigger byte) {
	switch trigger {
	case 'P':
		u.currentPage++
		u.pageRetries = 0
		if u.onProgress != nil {
			u.onProgress(u.currentPage, u.totalPages)
		}
		u.state = StateSendPage
	case 'E':
		u.pageRetries++
		if u.pageRetries > maxPageCrcRetries {
			u.state = StateIdle
			if u.onCompletion != nil {
				u.onCompletion(false, &gwerr.FirmwareFatal{Reason: "page CRC mismatch exceeded retry budget"})
			}
			return
		}
		u.currentByte -= pageSize // rewind to page start and retry
		if u.currentByte < 0 {
			u.currentByte = 0
		}
		u.state = StateSendPage
	case 'D':
		u.state = StateRequestJson
	}
}

// Reset aborts any in-progress update and returns the updater to Idle.
func (u *Updater) Reset() {
	u.state = StateIdle
	u.file = nil
}

// TickRequestJson is called periodically while in RequestJson to probe
// whether the freshly-flashed device has rebooted and is answering SDO
// requests again. probe should attempt a cheap read (e.g. the serial
// word) and report whether it got a reply. The original bootloader
// polled forever here; we bound it and report a fatal error past
// maxRequestJsonRetries rather than leaving the updater stuck (spec §9
// Open Question).
func (u *Updater) TickRequestJson(probe func() bool) {
	if u.state != StateRequestJson {
		return
	}
	if probe() {
		u.state = StateIdle
		if u.onCompletion != nil {
			u.onCompletion(true, nil)
		}
		return
	}
	u.requestJsonRetries++
	if u.requestJsonRetries >= maxRequestJsonRetries {
		u.state = StateIdle
		if u.onCompletion != nil {
			u.onCompletion(false, &gwerr.FirmwareFatal{Reason: "device did not reappear after flash"})
		}
	}
}
