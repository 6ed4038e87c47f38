/*
Package red decodes, validates and expands RED documents.

A RED document describes one experiment: the container engine and image, the
execution engine (only "ccagency" is accepted), a cli section, and either
top-level inputs/outputs or a batches array. Parse rejects unsupported
engines before anything is persisted.

Values whose keys start with "_" are protected: HoistProtected removes them
from the document, replaces each with an opaque {"_secret": ref} marker and
collects the originals into a bundle for the trustee. Inputs and outputs are
classified into tagged variants (literal or connector) by ParseValue.
*/
package red
