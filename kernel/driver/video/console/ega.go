package console

import (
	"unsafe"
)

const (
	clearColor = Black
	clearChar  = byte(' ')

	// EgaWidth and EgaHeight are the dimensions of the standard 80x25
	// text mode.
	EgaWidth  = 80
	EgaHeight = 25
)

// Ega implements an EGA-compatible text console on top of a framebuffer of
// 16-bit cells: the character in the low byte and its attribute in the high
// byte.
type Ega struct {
	width  uint16
	height uint16

	fb []uint16
}

// NewEga returns a console of the given dimensions that draws into the
// framebuffer fb points to. The caller obtains fb through the MMU so the
// framebuffer must be mapped for as long as the console is in use.
func NewEga(width, height uint16, fb unsafe.Pointer) *Ega {
	return &Ega{
		width:  width,
		height: height,
		fb:     unsafe.Slice((*uint16)(fb), int(width)*int(height)),
	}
}

// Clear clears the specified rectangular region
func (cons *Ega) Clear(x, y, width, height uint16) {
	var (
		attr                 = uint16((clearColor << 4) | clearColor)
		clr                  = attr | uint16(clearChar)
		rowOffset, colOffset uint16
	)

	// clip rectangle
	if x >= cons.width {
		x = cons.width
	}
	if y >= cons.height {
		y = cons.height
	}

	if x+width > cons.width {
		width = cons.width - x
	}
	if y+height > cons.height {
		height = cons.height - y
	}

	rowOffset = (y * cons.width) + x
	for ; height > 0; height, rowOffset = height-1, rowOffset+cons.width {
		for colOffset = rowOffset; colOffset < rowOffset+width; colOffset++ {
			cons.fb[colOffset] = clr
		}
	}
}

// Dimensions returns the console width and height in characters.
func (cons *Ega) Dimensions() (uint16, uint16) {
	return cons.width, cons.height
}

// Scroll a particular number of lines to the specified direction.
func (cons *Ega) Scroll(dir ScrollDir, lines uint16) {
	if lines == 0 || lines > cons.height {
		return
	}

	var i uint16
	offset := lines * cons.width

	switch dir {
	case Up:
		for ; i < (cons.height-lines)*cons.width; i++ {
			cons.fb[i] = cons.fb[i+offset]
		}
	case Down:
		for i = cons.height*cons.width - 1; i >= lines*cons.width; i-- {
			cons.fb[i] = cons.fb[i-offset]
		}
	}
}

// Write a char to the specified location.
func (cons *Ega) Write(ch byte, attr Attr, x, y uint16) {
	if x >= cons.width || y >= cons.height {
		return
	}

	cons.fb[(y*cons.width)+x] = (uint16(attr) << 8) | uint16(ch)
}

// Read returns the char and attribute at the specified location. Off-screen
// locations read as a blank.
func (cons *Ega) Read(x, y uint16) (byte, Attr) {
	if x >= cons.width || y >= cons.height {
		return clearChar, clearColor
	}

	cell := cons.fb[(y*cons.width)+x]
	return byte(cell), Attr(cell >> 8)
}
