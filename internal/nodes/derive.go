package nodes

import "slices"

func deriveLocation(inputs map[string]any) map[string]any {
	city, state := str(inputs, "city"), str(inputs, "state")
	if city == "" {
		return nil
	}
	return map[string]any{"city": city, "state": state, "location": location(map[string]any{"city": city, "state": state})}
}

// deriveCategories passes on the upstream categories, narrowed to the
// manual selection when one matches. Without an upstream list the selection
// or the manually typed category stands in.
func deriveCategories(inputs map[string]any) map[string]any {
	cats := stringList(inputs["categories"])
	selected := stringList(inputs["selected"])
	switch {
	case len(cats) > 0:
		if narrowed := slices.DeleteFunc(slices.Clone(cats), func(c string) bool {
			return !slices.Contains(selected, c)
		}); len(narrowed) > 0 {
			cats = narrowed
		}
	case len(selected) > 0:
		cats = selected
	default:
		if c := str(inputs, "category"); c != "" {
			cats = []string{c}
		}
	}
	if len(cats) == 0 {
		return nil
	}
	out := map[string]any{"categories": cats, "category": cats[0]}
	if loc := location(inputs); loc != "" {
		out["location"] = loc
	}
	return out
}

func deriveImages(inputs map[string]any) map[string]any {
	urls := stringList(inputs["urls"])
	if len(urls) == 0 {
		return nil
	}
	images := make([]any, len(urls))
	for i, u := range urls {
		images[i] = map[string]any{"url": u}
	}
	return map[string]any{"urls": urls, "images": images}
}
