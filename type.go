package nkn

import (
	"github.com/nknorg/nkngomobile"
)

// StringArray is a wrapper type for gomobile compatibility. StringArray is not
// protected by lock and should not be read and write at the same time.
type StringArray = nkngomobile.StringArray

// NewStringArray creates a StringArray from a list of string elements.
var NewStringArray = nkngomobile.NewStringArray
