// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package compiler

import (
	"errors"
	"strings"
)

// splitWords splits a command line into argv the way a POSIX shell
// would tokenize it, without expansion. A {{ placeholder }} is kept
// whole inside its word so it can be rendered after splitting: single quotes are literal,
// double quotes allow backslash escapes of " \ $ and `, and a bare
// backslash escapes the next character. Operators such as | and ; are
// ordinary characters, so the result is always one command.
func splitWords(line string) ([]string, error) {
	var (
		words   []string
		current strings.Builder
		inWord  bool
	)
	runes := []rune(line)
	for index := 0; index < len(runes); index++ {
		character := runes[index]
		switch {
		case character == '\'':
			inWord = true
			closing := indexRune(runes, index+1, '\'')
			if closing < 0 {
				return nil, errors.New("unterminated single quote")
			}
			current.WriteString(string(runes[index+1 : closing]))
			index = closing
		case character == '"':
			inWord = true
			index++
			for ; index < len(runes) && runes[index] != '"'; index++ {
				if runes[index] == '\\' && index+1 < len(runes) && strings.ContainsRune("\"\\$`", runes[index+1]) {
					index++
				}
				current.WriteRune(runes[index])
			}
			if index >= len(runes) {
				return nil, errors.New("unterminated double quote")
			}
		case character == '{' && index+1 < len(runes) && runes[index+1] == '{':
			closing := indexPlaceholderEnd(runes, index+2)
			if closing < 0 {
				inWord = true
				current.WriteRune(character)
				continue
			}
			inWord = true
			current.WriteString(string(runes[index : closing+2]))
			index = closing + 1
		case character == '\\':
			if index+1 >= len(runes) {
				return nil, errors.New("trailing backslash")
			}
			inWord = true
			index++
			current.WriteRune(runes[index])
		case character == ' ' || character == '\t' || character == '\n':
			if inWord {
				words = append(words, current.String())
				current.Reset()
				inWord = false
			}
		default:
			inWord = true
			current.WriteRune(character)
		}
	}
	if inWord {
		words = append(words, current.String())
	}
	return words, nil
}

func indexRune(runes []rune, from int, target rune) int {
	for index := from; index < len(runes); index++ {
		if runes[index] == target {
			return index
		}
	}
	return -1
}

func indexPlaceholderEnd(runes []rune, from int) int {
	for index := from; index+1 < len(runes); index++ {
		if runes[index] == '}' && runes[index+1] == '}' {
			return index
		}
	}
	return -1
}
