// Package mission fans one request out into a child run per source and
// joins the results.
//
// A mission is planned with CreateDraft, persisted with Start and advanced
// with Tick. Tick never loops to completion: each call moves every child at
// most one step, then applies the completion contract. A summary is written
// only when every child succeeded; one blocked child blocks the mission, and
// any other failure fails it without a summary. A mission whose child rows
// fall short of the count it was created with is blocked, never summarized.
//
// Every child row is written with the mission, as pending, before any run
// exists. A child left pending by an interrupted Start is started by the
// next Tick under the same child run key.
package mission
