package archon

// ModType identifies the kind of backplane module occupying a slot, as
// reported by the SYSTEM command's MODn_TYPE keys. The numbering follows
// the controller firmware directly, including the gap at 6 (reserved by
// the firmware, never assigned to a shipped module).
type ModType int

const (
	ModNone    ModType = 0
	ModDriver  ModType = 1
	ModAD      ModType = 2
	ModLVBias  ModType = 3
	ModHVBias  ModType = 4
	ModHeater  ModType = 5
	ModHS      ModType = 7
	ModHVXBias ModType = 8
	ModLVXBias ModType = 9
	ModLVDS    ModType = 10
	ModHeaterX ModType = 11
	ModXVBias  ModType = 12
	ModADF     ModType = 13
	ModADX     ModType = 14
	ModADLN    ModType = 15
	ModUnknown ModType = 16
)

func (m ModType) String() string {
	switch m {
	case ModNone:
		return "NONE"
	case ModDriver:
		return "DRIVER"
	case ModAD:
		return "AD"
	case ModLVBias:
		return "LVBIAS"
	case ModHVBias:
		return "HVBIAS"
	case ModHeater:
		return "HEATER"
	case ModHS:
		return "HS"
	case ModHVXBias:
		return "HVXBIAS"
	case ModLVXBias:
		return "LVXBIAS"
	case ModLVDS:
		return "LVDS"
	case ModHeaterX:
		return "HEATERX"
	case ModXVBias:
		return "XVBIAS"
	case ModADF:
		return "ADF"
	case ModADX:
		return "ADX"
	case ModADLN:
		return "ADLN"
	default:
		return "UNKNOWN"
	}
}
