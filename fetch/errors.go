package fetch

import "errors"

// ErrEntryFetch is returned as the terminal element of a sequence whose
// entry listing page could not be retrieved. Transient; the next
// scheduled run retries the source from scratch.
var ErrEntryFetch = errors.New("fetch: entry page fetch failed")

// ErrNoItems is returned when a rendered listing matched none of the
// source's selector profiles. Usually means the portal shipped a layout
// change, not an outage.
var ErrNoItems = errors.New("fetch: no items matched any selector profile")

// ErrArticle marks a single item page that could not be fetched or
// yielded no content. Items failing this way are skipped, never aborting
// the sequence.
var ErrArticle = errors.New("fetch: article fetch failed")
