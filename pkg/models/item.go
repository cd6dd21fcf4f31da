package models

// ItemFile describes a single file inside a remote archive item.
type ItemFile struct {
	Name   string `json:"name"`
	Size   int64  `json:"size,omitempty"`
	Format string `json:"format,omitempty"`
	MD5    string `json:"md5,omitempty"`
}

// Item is the metadata record of a remote archive item. The manager uses it
// to estimate the expected transfer size before the external tool reports one.
type Item struct {
	Identifier string         `json:"identifier"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Files      []ItemFile     `json:"files,omitempty"`
}

// ExpectedSize sums the sizes of the named files, or of every file when the
// name set is empty. A zero return means the size is unknown.
func (i *Item) ExpectedSize(names []string) int64 {
	if len(names) == 0 {
		var total int64
		for _, f := range i.Files {
			total += f.Size
		}
		return total
	}
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}
	var total int64
	for _, f := range i.Files {
		if wanted[f.Name] {
			total += f.Size
		}
	}
	return total
}
