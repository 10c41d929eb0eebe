package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aristath/dispatch/internal/scheduler"
)

// itemsFile is the document form of an items file. A bare list is accepted
// too.
type itemsFile struct {
	Name  string               `json:"name" yaml:"name"`
	Items []scheduler.WorkItem `json:"items" yaml:"items"`
}

// readItems loads work items from path, or stdin when path is "-". YAML is
// used for .yaml/.yml files, JSON otherwise; stdin is sniffed.
func readItems(path string, stdin io.Reader) (itemsFile, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return itemsFile{}, fmt.Errorf("failed to read items: %w", err)
	}

	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return itemsFile{}, fmt.Errorf("items file %s is empty", path)
	}

	var doc itemsFile
	if isYAMLPath(path) || (path == "-" && data[0] != '[' && data[0] != '{') {
		err = decodeItemsYAML(data, &doc)
	} else {
		err = decodeItemsJSON(data, &doc)
	}
	if err != nil {
		return itemsFile{}, fmt.Errorf("failed to parse items from %s: %w", path, err)
	}
	if len(doc.Items) == 0 {
		return itemsFile{}, fmt.Errorf("no items in %s", path)
	}
	return doc, nil
}

func decodeItemsJSON(data []byte, doc *itemsFile) error {
	if data[0] == '[' {
		return json.Unmarshal(data, &doc.Items)
	}
	return json.Unmarshal(data, doc)
}

func decodeItemsYAML(data []byte, doc *itemsFile) error {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return err
	}
	if len(node.Content) > 0 && node.Content[0].Kind == yaml.SequenceNode {
		return node.Decode(&doc.Items)
	}
	return node.Decode(doc)
}

func isYAMLPath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// pointers returns the items as the pointer slice the scheduler mutates.
func pointers(items []scheduler.WorkItem) []*scheduler.WorkItem {
	out := make([]*scheduler.WorkItem, len(items))
	for i := range items {
		out[i] = &items[i]
	}
	return out
}
