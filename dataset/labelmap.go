/*
 *	Copyright 2025 The FedLearn Authors
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package dataset

// LabelMap assigns dense zero-based class indices to label strings in
// first-seen order. Within one load the mapping is bijective and never
// reordered, so indices handed out early stay valid for the whole pass.
type LabelMap struct {
	indices map[string]int
	names   []string
}

// NewLabelMap returns an empty LabelMap.
func NewLabelMap() *LabelMap {
	return &LabelMap{indices: make(map[string]int)}
}

// Add returns the index for label, assigning the next dense index if the
// label was not seen before.
func (m *LabelMap) Add(label string) int {
	if idx, found := m.indices[label]; found {
		return idx
	}
	idx := len(m.names)
	m.indices[label] = idx
	m.names = append(m.names, label)
	return idx
}

// IndexOf returns the index assigned to label, if any.
func (m *LabelMap) IndexOf(label string) (idx int, found bool) {
	idx, found = m.indices[label]
	return
}

// Name returns the label string for a given index.
func (m *LabelMap) Name(idx int) string {
	return m.names[idx]
}

// Names returns the labels in index order. The returned slice is owned by
// the LabelMap and must not be modified.
func (m *LabelMap) Names() []string {
	return m.names
}

// Len is the number of distinct labels seen.
func (m *LabelMap) Len() int {
	return len(m.names)
}
