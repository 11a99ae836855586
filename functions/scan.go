// Copyright (c) 2024 The Sluice Project and its Contributors
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package functions

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fileworks/sluice/entities"
)

// FunctionId derives the stable catalog id of a handler from its kind, symbol
// and parameter signature. The id survives re-registration as long as the
// signature does, so function configs keep resolving across deployments.
func FunctionId(kind entities.FunctionKind, symbol string, paramTypes []entities.DataType) string {
	names := make([]string, len(paramTypes))
	for i, t := range paramTypes {
		names[i] = t.String()
	}
	sum := md5.Sum([]byte(fmt.Sprintf("%s|%s|%s", kind, symbol, strings.Join(names, ","))))
	return hex.EncodeToString(sum[:])[:24]
}

// Catalog renders every registered handler as a function document, in symbol
// order.
func Catalog(r *Registry) []*entities.Function {
	handlers := r.Handlers()
	catalog := make([]*entities.Function, len(handlers))
	for i, h := range handlers {
		paramTypes := make([]entities.DataType, len(h.Parameters))
		for j, p := range h.Parameters {
			paramTypes[j] = p.Type
		}
		name := h.Name
		if name == "" {
			name = h.Symbol
		}
		catalog[i] = &entities.Function{
			Id:             FunctionId(h.Kind, h.Symbol, paramTypes),
			Name:           name,
			Kind:           h.Kind,
			NativeFunction: h.Symbol,
			Parameters:     h.Parameters,
			FieldsIn:       h.FieldsIn,
			FieldsOut:      h.FieldsOut,
			Tags:           h.Tags,
		}
	}
	return catalog
}

// WriteCatalog writes the catalog as indented JSON, for the scan-functions
// command.
func WriteCatalog(w io.Writer, catalog []*entities.Function) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(catalog)
}

// IndexCatalog keys a catalog slice by function id.
func IndexCatalog(catalog []*entities.Function) map[string]*entities.Function {
	byId := make(map[string]*entities.Function, len(catalog))
	for _, fn := range catalog {
		byId[fn.Id] = fn
	}
	return byId
}
