/*
The sync package implements dirmirror's mirroring algorithm. It decides whether
a changed file inside a watched source tree should be propagated, and copies it
into the destination tree at the same relative path.

There are three pieces:
1) Target -- A configured (source root, destination root, exclusions) unit.
   Targets are validated when constructed so that a source root can never
   contain its destination root, or vice versa.
2) Matcher -- The exclusion test. A file is excluded if any of its path
   segments, or its full relative path, matches one of the target's glob
   patterns, or by the gitignore rules in the source root's .dirmirrorignore
   file. Editor artifacts (dotfiles and files ending in `~`) are always
   excluded.
3) Handler -- Reacts to a single Change for one Target. It only acts on
   created and modified regular files. Deletes and renames are never
   propagated.

Every change the Handler acts on produces exactly one Event on the Sink it was
constructed with.
*/
package sync
