package utils

import (
	"fmt"
	"strings"
)

// MaskPosition represents a single position in a hashcat-style mask
type MaskPosition struct {
	Placeholder string // e.g., "?l", "?u", "?d", "?1", or a literal character
	IsLiteral   bool   // true if this is a literal character, false if it's a placeholder
}

// ParseMask parses a mask into individual positions.
// Placeholders are 2 characters: ?l, ?u, ?d, ?s, ?a, ?b, ?h, ?H, ?1-?4.
// Everything else is treated as a literal character.
func ParseMask(mask string) ([]MaskPosition, error) {
	if mask == "" {
		return nil, fmt.Errorf("mask cannot be empty")
	}

	var positions []MaskPosition
	i := 0

	for i < len(mask) {
		if mask[i] == '?' {
			if i+1 >= len(mask) {
				return nil, fmt.Errorf("incomplete placeholder at end of mask")
			}

			placeholder := mask[i : i+2]
			if !isValidPlaceholder(placeholder) {
				return nil, fmt.Errorf("invalid placeholder: %s", placeholder)
			}

			positions = append(positions, MaskPosition{
				Placeholder: placeholder,
				IsLiteral:   false,
			})
			i += 2
		} else {
			positions = append(positions, MaskPosition{
				Placeholder: string(mask[i]),
				IsLiteral:   true,
			})
			i++
		}
	}

	return positions, nil
}

// isValidPlaceholder checks if a 2-character string is a valid placeholder
func isValidPlaceholder(placeholder string) bool {
	if len(placeholder) != 2 || placeholder[0] != '?' {
		return false
	}

	switch placeholder[1] {
	case 'l', 'u', 'd', 's', 'a', 'b', 'h', 'H':
		return true
	case '1', '2', '3', '4':
		return true
	default:
		return false
	}
}

// MaskKeyspace calculates the total number of candidates for a mask by
// multiplying the charset size of each position. Custom charsets ?1-?4
// take their size from the provided definitions; an undefined custom
// charset is an error rather than a silent estimate.
func MaskKeyspace(mask string, customCharsets []string) (int64, error) {
	positions, err := ParseMask(mask)
	if err != nil {
		return 0, fmt.Errorf("failed to parse mask: %w", err)
	}

	var keyspace int64 = 1
	for _, pos := range positions {
		if pos.IsLiteral {
			// Literal characters are fixed and don't multiply keyspace
			continue
		}

		size, err := charsetSize(pos.Placeholder, customCharsets)
		if err != nil {
			return 0, err
		}
		keyspace *= size
	}

	return keyspace, nil
}

// IncrementKeyspace calculates the summed keyspace of an increment
// attack: the mask truncated to every length from minLength to
// maxLength. maxLength is capped at the mask length.
func IncrementKeyspace(mask string, minLength, maxLength int, customCharsets []string) (int64, error) {
	if minLength < 1 {
		return 0, fmt.Errorf("min_length must be at least 1")
	}
	if maxLength < minLength {
		return 0, fmt.Errorf("max_length (%d) must be >= min_length (%d)", maxLength, minLength)
	}

	positions, err := ParseMask(mask)
	if err != nil {
		return 0, fmt.Errorf("failed to parse mask: %w", err)
	}

	if minLength > len(positions) {
		return 0, fmt.Errorf("min_length (%d) exceeds mask length (%d)", minLength, len(positions))
	}
	if maxLength > len(positions) {
		maxLength = len(positions)
	}

	var total int64
	var product int64 = 1
	for i, pos := range positions[:maxLength] {
		if !pos.IsLiteral {
			size, err := charsetSize(pos.Placeholder, customCharsets)
			if err != nil {
				return 0, err
			}
			product *= size
		}
		if i+1 >= minLength {
			total += product
		}
	}

	return total, nil
}

// MaskLength returns the number of positions in a mask (not the string length)
func MaskLength(mask string) (int, error) {
	positions, err := ParseMask(mask)
	if err != nil {
		return 0, err
	}
	return len(positions), nil
}

// charsetSize returns the number of characters a placeholder expands to
func charsetSize(placeholder string, customCharsets []string) (int64, error) {
	switch placeholder {
	case "?l": // lowercase letters (a-z)
		return 26, nil
	case "?u": // uppercase letters (A-Z)
		return 26, nil
	case "?d": // digits (0-9)
		return 10, nil
	case "?s": // special characters
		return 33, nil
	case "?a": // all printable ASCII
		return 95, nil
	case "?b": // all bytes (0x00-0xff)
		return 256, nil
	case "?h": // lowercase hex
		return 16, nil
	case "?H": // uppercase hex
		return 16, nil
	case "?1", "?2", "?3", "?4":
		idx := int(placeholder[1] - '1')
		if idx >= len(customCharsets) || customCharsets[idx] == "" {
			return 0, fmt.Errorf("custom charset %s is not defined", placeholder)
		}
		return expandedCharsetSize(customCharsets[idx])
	default:
		return 0, fmt.Errorf("unknown placeholder: %s", placeholder)
	}
}

// expandedCharsetSize sizes a custom charset definition, which may
// itself contain built-in placeholders (e.g. "?l?d" = 36).
func expandedCharsetSize(charset string) (int64, error) {
	var size int64
	i := 0
	for i < len(charset) {
		if charset[i] == '?' && i+1 < len(charset) && charset[i+1] == '?' {
			// "??" is an escaped literal question mark
			size++
			i += 2
			continue
		}
		if charset[i] == '?' && i+1 < len(charset) && !strings.ContainsRune("1234", rune(charset[i+1])) {
			builtin, err := charsetSize(charset[i:i+2], nil)
			if err != nil {
				return 0, err
			}
			size += builtin
			i += 2
		} else {
			size++
			i++
		}
	}
	return size, nil
}
