//go:build windows && (amd64 || arm64)

package wevtapi

import (
	"errors"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

// evtHandle is an EVT_HANDLE
type evtHandle uintptr

// Flag values from winevt.h
const (
	evtSubscribeToFutureEvents      = 1
	evtSubscribeStartAtOldestRecord = 2
	evtSubscribeStartAfterBookmark  = 3
	evtSubscribeStrict              = 0x10000

	evtQueryChannelPath      = 0x1
	evtQueryReverseDirection = 0x200

	evtSeekRelativeToFirst = 1

	evtRenderEventXml = 1
	evtRenderBookmark = 2

	evtFormatMessageEvent = 1
)

// Win32 error codes the provider tells apart
const (
	errorInsufficientBuffer       syscall.Errno = 122
	errorNoMoreItems              syscall.Errno = 259
	errorNotFound                 syscall.Errno = 1168
	errorTimeout                  syscall.Errno = 1460
	errorEvtQueryResultStale      syscall.Errno = 15011
	errorEvtQueryResultInvalidPos syscall.Errno = 15012
	errorEvtMessageNotFound       syscall.Errno = 15027
	errorEvtMessageIDNotFound     syscall.Errno = 15028
	errorEvtUnresolvedValueInsert syscall.Errno = 15029
)

var (
	modwevtapi = windows.NewLazySystemDLL("wevtapi.dll")

	procEvtSubscribe             = modwevtapi.NewProc("EvtSubscribe")
	procEvtNext                  = modwevtapi.NewProc("EvtNext")
	procEvtRender                = modwevtapi.NewProc("EvtRender")
	procEvtClose                 = modwevtapi.NewProc("EvtClose")
	procEvtCreateBookmark        = modwevtapi.NewProc("EvtCreateBookmark")
	procEvtUpdateBookmark        = modwevtapi.NewProc("EvtUpdateBookmark")
	procEvtQuery                 = modwevtapi.NewProc("EvtQuery")
	procEvtSeek                  = modwevtapi.NewProc("EvtSeek")
	procEvtOpenChannelEnum       = modwevtapi.NewProc("EvtOpenChannelEnum")
	procEvtNextChannelPath       = modwevtapi.NewProc("EvtNextChannelPath")
	procEvtOpenPublisherMetadata = modwevtapi.NewProc("EvtOpenPublisherMetadata")
	procEvtFormatMessage         = modwevtapi.NewProc("EvtFormatMessage")
)

// lastErr normalizes the error returned by a failed LazyProc.Call
func lastErr(err error) error {
	var errno syscall.Errno
	if errors.As(err, &errno) && errno != 0 {
		return errno
	}
	return syscall.EINVAL
}

func utf16Ptr(s string) (*uint16, error) {
	if s == "" {
		return nil, nil
	}
	return windows.UTF16PtrFromString(s)
}

func evtSubscribe(signal windows.Handle, channel, query string, bookmark evtHandle, flags uint32) (evtHandle, error) {
	ch, err := utf16Ptr(channel)
	if err != nil {
		return 0, err
	}
	q, err := utf16Ptr(query)
	if err != nil {
		return 0, err
	}
	r, _, e := procEvtSubscribe.Call(0, uintptr(signal),
		uintptr(unsafe.Pointer(ch)), uintptr(unsafe.Pointer(q)),
		uintptr(bookmark), 0, 0, uintptr(flags))
	if r == 0 {
		return 0, lastErr(e)
	}
	return evtHandle(r), nil
}

func evtNext(resultSet evtHandle, events []evtHandle, timeoutMs uint32) (int, error) {
	var returned uint32
	r, _, e := procEvtNext.Call(uintptr(resultSet), uintptr(len(events)),
		uintptr(unsafe.Pointer(&events[0])), uintptr(timeoutMs), 0,
		uintptr(unsafe.Pointer(&returned)))
	if r == 0 {
		return 0, lastErr(e)
	}
	return int(returned), nil
}

// evtRenderString renders an event or bookmark as XML, growing the buffer
// until it fits.
func evtRenderString(h evtHandle, flags uint32) (string, error) {
	buf := make([]uint16, 4096)
	for {
		var used, count uint32
		r, _, e := procEvtRender.Call(0, uintptr(h), uintptr(flags),
			uintptr(len(buf)*2), uintptr(unsafe.Pointer(&buf[0])),
			uintptr(unsafe.Pointer(&used)), uintptr(unsafe.Pointer(&count)))
		if r != 0 {
			return windows.UTF16ToString(buf[:used/2]), nil
		}
		if err := lastErr(e); err != errorInsufficientBuffer {
			return "", err
		}
		buf = make([]uint16, used/2+1)
	}
}

func evtClose(h evtHandle) error {
	if h == 0 {
		return nil
	}
	r, _, e := procEvtClose.Call(uintptr(h))
	if r == 0 {
		return lastErr(e)
	}
	return nil
}

func evtCreateBookmark(xml string) (evtHandle, error) {
	p, err := utf16Ptr(xml)
	if err != nil {
		return 0, err
	}
	r, _, e := procEvtCreateBookmark.Call(uintptr(unsafe.Pointer(p)))
	if r == 0 {
		return 0, lastErr(e)
	}
	return evtHandle(r), nil
}

func evtUpdateBookmark(bookmark, event evtHandle) error {
	r, _, e := procEvtUpdateBookmark.Call(uintptr(bookmark), uintptr(event))
	if r == 0 {
		return lastErr(e)
	}
	return nil
}

func evtQuery(channel, query string, flags uint32) (evtHandle, error) {
	ch, err := utf16Ptr(channel)
	if err != nil {
		return 0, err
	}
	q, err := utf16Ptr(query)
	if err != nil {
		return 0, err
	}
	r, _, e := procEvtQuery.Call(0, uintptr(unsafe.Pointer(ch)), uintptr(unsafe.Pointer(q)), uintptr(flags))
	if r == 0 {
		return 0, lastErr(e)
	}
	return evtHandle(r), nil
}

func evtSeek(resultSet evtHandle, position int64, flags uint32) error {
	r, _, e := procEvtSeek.Call(uintptr(resultSet), uintptr(position), 0, 0, uintptr(flags))
	if r == 0 {
		return lastErr(e)
	}
	return nil
}

func evtOpenChannelEnum() (evtHandle, error) {
	r, _, e := procEvtOpenChannelEnum.Call(0, 0)
	if r == 0 {
		return 0, lastErr(e)
	}
	return evtHandle(r), nil
}

// evtNextChannelPath returns "" once the enumeration is exhausted
func evtNextChannelPath(enum evtHandle) (string, error) {
	buf := make([]uint16, 256)
	for {
		var used uint32
		r, _, e := procEvtNextChannelPath.Call(uintptr(enum), uintptr(len(buf)),
			uintptr(unsafe.Pointer(&buf[0])), uintptr(unsafe.Pointer(&used)))
		if r != 0 {
			return windows.UTF16ToString(buf[:used]), nil
		}
		switch err := lastErr(e); err {
		case errorNoMoreItems:
			return "", nil
		case errorInsufficientBuffer:
			buf = make([]uint16, used)
		default:
			return "", err
		}
	}
}

func evtOpenPublisherMetadata(publisher string) (evtHandle, error) {
	p, err := utf16Ptr(publisher)
	if err != nil {
		return 0, err
	}
	r, _, e := procEvtOpenPublisherMetadata.Call(0, uintptr(unsafe.Pointer(p)), 0, 0, 0)
	if r == 0 {
		return 0, lastErr(e)
	}
	return evtHandle(r), nil
}

// evtFormatEventMessage formats the event's message string. A message with
// unresolved inserts is still returned.
func evtFormatEventMessage(publisher, event evtHandle) (string, error) {
	buf := make([]uint16, 1024)
	for {
		var used uint32
		r, _, e := procEvtFormatMessage.Call(uintptr(publisher), uintptr(event), 0, 0, 0,
			evtFormatMessageEvent, uintptr(len(buf)), uintptr(unsafe.Pointer(&buf[0])),
			uintptr(unsafe.Pointer(&used)))
		if r != 0 {
			return windows.UTF16ToString(buf[:used]), nil
		}
		switch err := lastErr(e); err {
		case errorInsufficientBuffer:
			buf = make([]uint16, used)
		case errorEvtUnresolvedValueInsert:
			return windows.UTF16ToString(buf), nil
		default:
			return "", err
		}
	}
}
