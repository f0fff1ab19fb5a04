// Copyright 2023 The VexDB Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package verr

import (
	"encoding"
	"encoding/binary"
)

// Wire form used when an error crosses a process boundary:
//
//	[code:u16][msgLen:u32][msg bytes][detailLen:u32][detail bytes]
//
// little-endian. Code and message round-trip exactly; detail is advisory
// and a lossy transport may strip it.

var _ encoding.BinaryMarshaler = new(Error)
var _ encoding.BinaryUnmarshaler = new(Error)

func (e *Error) MarshalBinary() ([]byte, error) {
	markChecked(e)
	msg := []byte(e.message)
	detail := []byte(e.detail)
	data := make([]byte, 0, 2+4+len(msg)+4+len(detail))
	data = binary.LittleEndian.AppendUint16(data, e.code)
	data = binary.LittleEndian.AppendUint32(data, uint32(len(msg)))
	data = append(data, msg...)
	data = binary.LittleEndian.AppendUint32(data, uint32(len(detail)))
	data = append(data, detail...)
	return data, nil
}

func (e *Error) UnmarshalBinary(data []byte) error {
	if len(data) < 6 {
		return NewInvalidInput(Context(), "short error encoding: %d bytes", len(data))
	}
	code := binary.LittleEndian.Uint16(data)
	data = data[2:]
	msgLen := int(binary.LittleEndian.Uint32(data))
	data = data[4:]
	if len(data) < msgLen {
		return NewInvalidInput(Context(), "truncated error message")
	}
	msg := string(data[:msgLen])
	data = data[msgLen:]

	// detail may have been dropped in transit
	var detail string
	if len(data) >= 4 {
		detailLen := int(binary.LittleEndian.Uint32(data))
		data = data[4:]
		if len(data) < detailLen {
			return NewInvalidInput(Context(), "truncated error detail")
		}
		detail = string(data[:detailLen])
	}

	e.code = code
	e.message = msg
	e.detail = detail
	trackNew(e)
	return nil
}
